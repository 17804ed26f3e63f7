package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/scheduler"
	"github.com/testexechq/control-plane/internal/types"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newEngine(at time.Time) *scheduler.Engine {
	return scheduler.NewEngineWithClock(nil, nil, fixedClock(at))
}

func TestIsDueRunOnce(t *testing.T) {
	// 2026-08-06 is a Thursday
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	engine := newEngine(now)

	base := models.TestJobSchedule{
		ScheduleType: types.ScheduleRunOnce,
		IsActive:     true,
	}

	t.Run("DueWhenScheduledTimePassed", func(t *testing.T) {
		schedule := base
		schedule.ScheduledTime = models.NewNullFromData(now.Add(-time.Minute))

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("NotDueBeforeScheduledTime", func(t *testing.T) {
		schedule := base
		schedule.ScheduledTime = models.NewNullFromData(now.Add(time.Minute))

		assert.False(t, engine.IsDue(&schedule, now))
	})

	t.Run("NeverDueTwice", func(t *testing.T) {
		schedule := base
		schedule.ScheduledTime = models.NewNullFromData(now.Add(-time.Hour))
		schedule.LastRunTime = models.NewNullFromData(now.Add(-time.Minute))

		assert.False(t, engine.IsDue(&schedule, now))
	})

	t.Run("NotDueWithoutScheduledTime", func(t *testing.T) {
		schedule := base

		assert.False(t, engine.IsDue(&schedule, now))
	})
}

func TestIsDueInterval(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	engine := newEngine(now)

	base := models.TestJobSchedule{
		ScheduleType:    types.ScheduleInterval,
		IsActive:        true,
		IntervalMinutes: models.NewNullFromData(30),
	}

	t.Run("DueAfterInterval", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(now.Add(-31 * time.Minute))

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("NotDueWithinInterval", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(now.Add(-29 * time.Minute))

		assert.False(t, engine.IsDue(&schedule, now))
	})

	t.Run("NeverRanUsesCreatedAt", func(t *testing.T) {
		schedule := base
		schedule.CreatedAt = now.Add(-31 * time.Minute)

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("MonotoneUntilBookkeeping", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(now.Add(-31 * time.Minute))

		assert.True(t, engine.IsDue(&schedule, now))
		assert.True(t, engine.IsDue(&schedule, now.Add(time.Second)))

		// bookkeeping resets the window
		schedule.LastRunTime = models.NewNullFromData(now)
		assert.False(t, engine.IsDue(&schedule, now.Add(time.Second)))
	})
}

func TestIsDueWeekly(t *testing.T) {
	// Thursday, weekday 4
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	engine := newEngine(now)

	base := models.TestJobSchedule{
		ScheduleType: types.ScheduleWeekly,
		IsActive:     true,
		DaysOfWeek:   "1,4",
		TimeOfDay:    models.NewNullFromData("09:30"),
	}

	t.Run("DueOnMatchingDayAfterTime", func(t *testing.T) {
		schedule := base

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("NotDueBeforeTimeOfDay", func(t *testing.T) {
		schedule := base
		early := time.Date(2026, 8, 6, 9, 0, 0, 0, time.UTC)

		assert.False(t, engine.IsDue(&schedule, early))
	})

	t.Run("NotDueOnOtherDay", func(t *testing.T) {
		schedule := base
		// Friday, weekday 5
		friday := time.Date(2026, 8, 7, 12, 0, 0, 0, time.UTC)

		assert.False(t, engine.IsDue(&schedule, friday))
	})

	t.Run("NotDueTwiceSameDay", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(
			time.Date(2026, 8, 6, 9, 35, 0, 0, time.UTC),
		)

		assert.False(t, engine.IsDue(&schedule, now))
	})

	t.Run("DueAgainWhenLastRanPreviousDay", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(
			time.Date(2026, 8, 3, 9, 35, 0, 0, time.UTC),
		)

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("DueWhenLastRunPrecededTimeOfDay", func(t *testing.T) {
		schedule := base
		schedule.LastRunTime = models.NewNullFromData(
			time.Date(2026, 8, 6, 8, 0, 0, 0, time.UTC),
		)

		assert.True(t, engine.IsDue(&schedule, now))
	})
}

func TestIsDueMonthly(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	engine := newEngine(now)

	base := models.TestJobSchedule{
		ScheduleType: types.ScheduleMonthly,
		IsActive:     true,
		DaysOfMonth:  "1,6,15",
		TimeOfDay:    models.NewNullFromData("09:30"),
	}

	t.Run("DueOnMatchingDay", func(t *testing.T) {
		schedule := base

		assert.True(t, engine.IsDue(&schedule, now))
	})

	t.Run("NotDueOnOtherDay", func(t *testing.T) {
		schedule := base
		seventh := time.Date(2026, 8, 7, 12, 0, 0, 0, time.UTC)

		assert.False(t, engine.IsDue(&schedule, seventh))
	})
}

func TestIsDueEarlyOuts(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	engine := newEngine(now)

	t.Run("InactiveNeverDue", func(t *testing.T) {
		schedule := models.TestJobSchedule{
			ScheduleType:  types.ScheduleRunOnce,
			IsActive:      false,
			ScheduledTime: models.NewNullFromData(now.Add(-time.Hour)),
		}

		assert.False(t, engine.IsDue(&schedule, now))
	})

	t.Run("ExhaustedNeverDue", func(t *testing.T) {
		schedule := models.TestJobSchedule{
			ScheduleType:    types.ScheduleInterval,
			IsActive:        true,
			IntervalMinutes: models.NewNullFromData(1),
			MaxRuns:         models.NewNullFromData(3),
			RunCount:        3,
			LastRunTime:     models.NewNullFromData(now.Add(-time.Hour)),
		}

		assert.False(t, engine.IsDue(&schedule, now))
	})
}
