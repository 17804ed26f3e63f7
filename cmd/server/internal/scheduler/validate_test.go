package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/internal/types"
)

func strPtr(v string) *string { return &v }

func validBase() ScheduleDocument {
	return ScheduleDocument{
		Name:          "nightly",
		RepoURL:       "https://example.com/repo.git",
		TestImageType: "DotNet",
	}
}

func TestValidateDocument(t *testing.T) {
	t.Run("RunOnceRequiresScheduledTime", func(t *testing.T) {
		doc := validBase()
		doc.ScheduleType = types.ScheduleRunOnce

		assert.Error(t, validateDocument(&doc))

		at := time.Now().UTC()
		doc.ScheduledTime = &at
		assert.NoError(t, validateDocument(&doc))
	})

	t.Run("IntervalRequiresPositiveMinutes", func(t *testing.T) {
		doc := validBase()
		doc.ScheduleType = types.ScheduleInterval

		assert.Error(t, validateDocument(&doc))

		zero := 0
		doc.IntervalMinutes = &zero
		assert.Error(t, validateDocument(&doc))

		thirty := 30
		doc.IntervalMinutes = &thirty
		assert.NoError(t, validateDocument(&doc))
	})

	t.Run("WeeklyRequiresDaysAndTime", func(t *testing.T) {
		doc := validBase()
		doc.ScheduleType = types.ScheduleWeekly

		assert.Error(t, validateDocument(&doc))

		doc.DaysOfWeek = []int{1, 4}
		assert.Error(t, validateDocument(&doc))

		doc.TimeOfDay = strPtr("09:30")
		assert.NoError(t, validateDocument(&doc))

		doc.DaysOfWeek = []int{7}
		assert.Error(t, validateDocument(&doc))
	})

	t.Run("MonthlyRequiresDaysAndTime", func(t *testing.T) {
		doc := validBase()
		doc.ScheduleType = types.ScheduleMonthly

		assert.Error(t, validateDocument(&doc))

		doc.DaysOfMonth = []int{1, 15}
		doc.TimeOfDay = strPtr("23:59")
		assert.NoError(t, validateDocument(&doc))

		doc.DaysOfMonth = []int{0}
		assert.Error(t, validateDocument(&doc))
	})

	t.Run("UnknownType", func(t *testing.T) {
		doc := validBase()
		doc.ScheduleType = "Hourly"

		assert.Error(t, validateDocument(&doc))
	})

	t.Run("MissingRequiredFields", func(t *testing.T) {
		doc := ScheduleDocument{ScheduleType: types.ScheduleInterval}

		assert.Error(t, validateDocument(&doc))
	})
}

func TestParseTimeOfDay(t *testing.T) {
	hour, minute, err := parseTimeOfDay("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, hour)
	assert.Equal(t, 30, minute)

	for _, invalid := range []string{"", "9", "24:00", "12:60", "ab:cd", "12:00:00"} {
		_, _, err := parseTimeOfDay(invalid)
		assert.Error(t, err, "input %q", invalid)
	}
}
