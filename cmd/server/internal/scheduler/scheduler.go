package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v2"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/scheduler"

var tracer = otel.Tracer(name)

// SubmitFunc enqueues a job request into the same pipeline as a user
// submission.
type SubmitFunc func(ctx context.Context, request types.JobRequest) error

// Engine evaluates recurring schedules on a tick and fires the due ones.
// Missed ticks collapse: a schedule fires at most once per tick.
type Engine struct {
	db     *gorm.DB
	submit SubmitFunc
	now    func() time.Time
}

func NewEngine(db *gorm.DB, submit SubmitFunc) *Engine {
	return &Engine{
		db:     db,
		submit: submit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewEngineWithClock is for tests that need to control the tick instant.
func NewEngineWithClock(db *gorm.DB, submit SubmitFunc, now func() time.Time) *Engine {
	return &Engine{db: db, submit: submit, now: now}
}

// ScheduleDocument is the YAML body accepted on create and update.
// Identity and bookkeeping fields are server owned.
type ScheduleDocument struct {
	Name            string             `yaml:"name"`
	RepoURL         string             `yaml:"repoUrl"`
	TestImageType   string             `yaml:"testImageType"`
	ScheduleType    types.ScheduleType `yaml:"scheduleType"`
	IntervalMinutes *int               `yaml:"intervalMinutes"`
	DaysOfWeek      []int              `yaml:"daysOfWeek"`
	DaysOfMonth     []int              `yaml:"daysOfMonth"`
	TimeOfDay       *string            `yaml:"timeOfDay"`
	ScheduledTime   *time.Time         `yaml:"scheduledTime"`
	MaxRuns         *int               `yaml:"maxRuns"`
	IsActive        *bool              `yaml:"isActive"`
}

func parseTimeOfDay(raw string) (hour, minute int, err error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}

	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}

	return hour, minute, nil
}

func validateDocument(doc *ScheduleDocument) error {
	if doc.Name == "" {
		return types.InvalidRequest("name", "is required")
	}
	if doc.RepoURL == "" {
		return types.InvalidRequest("repoUrl", "is required")
	}
	if doc.TestImageType == "" {
		return types.InvalidRequest("testImageType", "is required")
	}

	requireTimeOfDay := func() error {
		if doc.TimeOfDay == nil {
			return types.InvalidRequest("timeOfDay", "is required for %s schedules", doc.ScheduleType)
		}
		if _, _, err := parseTimeOfDay(*doc.TimeOfDay); err != nil {
			return types.InvalidRequest("timeOfDay", "%v", err)
		}
		return nil
	}

	switch doc.ScheduleType {
	case types.ScheduleRunOnce:
		if doc.ScheduledTime == nil {
			return types.InvalidRequest("scheduledTime", "is required for RunOnce schedules")
		}
	case types.ScheduleInterval:
		if doc.IntervalMinutes == nil || *doc.IntervalMinutes <= 0 {
			return types.InvalidRequest("intervalMinutes", "must be greater than zero")
		}
	case types.ScheduleWeekly:
		if len(doc.DaysOfWeek) == 0 {
			return types.InvalidRequest("daysOfWeek", "must not be empty")
		}
		for _, d := range doc.DaysOfWeek {
			if d < 0 || d > 6 {
				return types.InvalidRequest("daysOfWeek", "day %d out of range 0..6", d)
			}
		}
		if err := requireTimeOfDay(); err != nil {
			return err
		}
	case types.ScheduleMonthly:
		if len(doc.DaysOfMonth) == 0 {
			return types.InvalidRequest("daysOfMonth", "must not be empty")
		}
		for _, d := range doc.DaysOfMonth {
			if d < 1 || d > 31 {
				return types.InvalidRequest("daysOfMonth", "day %d out of range 1..31", d)
			}
		}
		if err := requireTimeOfDay(); err != nil {
			return err
		}
	default:
		return types.InvalidRequest("scheduleType",
			"must be one of RunOnce, Interval, Weekly, Monthly")
	}

	return nil
}

func applyDocument(schedule *models.TestJobSchedule, doc *ScheduleDocument) {
	schedule.Name = doc.Name
	schedule.RepoURL = doc.RepoURL
	schedule.TestImageType = doc.TestImageType
	schedule.ScheduleType = doc.ScheduleType
	schedule.IntervalMinutes = models.NewNull(doc.IntervalMinutes)
	schedule.DaysOfWeek = models.FormatDaySet(doc.DaysOfWeek)
	schedule.DaysOfMonth = models.FormatDaySet(doc.DaysOfMonth)
	schedule.TimeOfDay = models.NewNull(doc.TimeOfDay)
	schedule.ScheduledTime = models.NewNull(doc.ScheduledTime)
	schedule.MaxRuns = models.NewNull(doc.MaxRuns)
	if doc.IsActive != nil {
		schedule.IsActive = *doc.IsActive
	} else {
		schedule.IsActive = true
	}
}

func (e *Engine) CreateScheduleFromYAML(
	ctx context.Context,
	claims models.Claims,
	body []byte,
) (*models.TestJobSchedule, error) {
	ctx, span := tracer.Start(ctx, "Engine.CreateScheduleFromYAML")
	defer span.End()

	var doc ScheduleDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to decode schedule yaml")
		return nil, types.InvalidRequest("body", "invalid yaml: %v", err)
	}

	if err := validateDocument(&doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "schedule failed validation")
		return nil, err
	}

	schedule := models.TestJobSchedule{
		LobID:  claims.LobID,
		TeamID: claims.TeamID,
	}
	schedule.ID = uuid.New()
	applyDocument(&schedule, &doc)

	db := e.db.WithContext(ctx)
	if err := db.Create(&schedule).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create schedule")
		return nil, err
	}

	span.AddEvent("created_schedule", trace.WithAttributes(
		attribute.String("schedule.id", schedule.ID.String()),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created schedule")
	return &schedule, nil
}

func (e *Engine) getOwnedSchedule(
	ctx context.Context,
	id uuid.UUID,
	lobID string,
) (*models.TestJobSchedule, error) {
	db := e.db.WithContext(ctx)

	var schedule models.TestJobSchedule
	err := db.Where("id = ? AND lob_id = ?", id, lobID).First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrScheduleNotFound
		}

		return nil, err
	}

	return &schedule, nil
}

func (e *Engine) GetSchedule(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
) (*models.TestJobSchedule, error) {
	return e.getOwnedSchedule(ctx, id, claims.LobID)
}

func (e *Engine) ListSchedules(
	ctx context.Context,
	claims models.Claims,
) ([]models.TestJobSchedule, error) {
	db := e.db.WithContext(ctx)

	var schedules []models.TestJobSchedule
	err := db.Where("lob_id = ? AND team_id = ?", claims.LobID, claims.TeamID).
		Order("created_at DESC").
		Find(&schedules).Error
	if err != nil {
		return nil, err
	}

	return schedules, nil
}

func (e *Engine) UpdateScheduleFromYAML(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
	body []byte,
) (*models.TestJobSchedule, error) {
	ctx, span := tracer.Start(ctx, "Engine.UpdateScheduleFromYAML")
	defer span.End()

	schedule, err := e.getOwnedSchedule(ctx, id, claims.LobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get schedule for update")
		return nil, err
	}

	// mutations require the owning team, reads only the lob
	if schedule.TeamID != claims.TeamID {
		span.AddEvent("team_mismatch")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "claims do not own schedule")
		return nil, types.ErrScheduleNotFound
	}

	var doc ScheduleDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to decode schedule yaml")
		return nil, types.InvalidRequest("body", "invalid yaml: %v", err)
	}

	if err := validateDocument(&doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "schedule failed validation")
		return nil, err
	}

	applyDocument(schedule, &doc)

	db := e.db.WithContext(ctx)
	if err := db.Save(schedule).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save schedule")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated schedule")
	return schedule, nil
}

func (e *Engine) DeleteSchedule(ctx context.Context, id uuid.UUID, claims models.Claims) error {
	ctx, span := tracer.Start(ctx, "Engine.DeleteSchedule")
	defer span.End()

	schedule, err := e.getOwnedSchedule(ctx, id, claims.LobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get schedule for delete")
		return err
	}

	db := e.db.WithContext(ctx)
	if err := db.Delete(schedule).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted schedule")
	return nil
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}

	return false
}

// timePatternDue covers the Weekly and Monthly shapes: the configured
// time of day has passed today and the schedule has not already fired for
// this occurrence.
func timePatternDue(schedule *models.TestJobSchedule, now time.Time) bool {
	timeOfDay := models.PtrFromNull(schedule.TimeOfDay)
	if timeOfDay == nil {
		return false
	}

	hour, minute, err := parseTimeOfDay(*timeOfDay)
	if err != nil {
		return false
	}

	firesAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.Before(firesAt) {
		return false
	}

	lastRun := models.PtrFromNull(schedule.LastRunTime)
	if lastRun == nil {
		return true
	}

	lastYear, lastMonth, lastDay := lastRun.UTC().Date()
	nowYear, nowMonth, nowDay := now.Date()
	if lastYear != nowYear || lastMonth != nowMonth || lastDay != nowDay {
		return true
	}

	// already ran today: only due again if the last run preceded the
	// configured time of day
	return lastRun.UTC().Before(firesAt)
}

// IsDue reports whether `schedule` should fire at `now`. Monotone within
// a tick: once due it stays due until UpdateScheduleLastRun.
func (e *Engine) IsDue(schedule *models.TestJobSchedule, now time.Time) bool {
	if !schedule.IsActive {
		return false
	}

	if maxRuns := models.PtrFromNull(schedule.MaxRuns); maxRuns != nil &&
		schedule.RunCount >= *maxRuns {
		return false
	}

	switch schedule.ScheduleType {
	case types.ScheduleRunOnce:
		scheduledTime := models.PtrFromNull(schedule.ScheduledTime)
		if scheduledTime == nil || models.PtrFromNull(schedule.LastRunTime) != nil {
			return false
		}
		return !now.Before(scheduledTime.UTC())
	case types.ScheduleInterval:
		interval := models.PtrFromNull(schedule.IntervalMinutes)
		if interval == nil || *interval <= 0 {
			return false
		}
		base := schedule.CreatedAt
		if lastRun := models.PtrFromNull(schedule.LastRunTime); lastRun != nil {
			base = *lastRun
		}
		return !now.Before(base.UTC().Add(time.Duration(*interval) * time.Minute))
	case types.ScheduleWeekly:
		if !containsDay(schedule.DaysOfWeekSet(), int(now.Weekday())) {
			return false
		}
		return timePatternDue(schedule, now)
	case types.ScheduleMonthly:
		if !containsDay(schedule.DaysOfMonthSet(), now.Day()) {
			return false
		}
		return timePatternDue(schedule, now)
	default:
		return false
	}
}

// UpdateScheduleLastRun records a firing: bumps the run count, stamps the
// run time and deactivates exhausted schedules.
func (e *Engine) UpdateScheduleLastRun(ctx context.Context, id uuid.UUID, lobID string) error {
	ctx, span := tracer.Start(ctx, "Engine.UpdateScheduleLastRun", trace.WithAttributes(
		attribute.String("schedule.id", id.String()),
	))
	defer span.End()

	schedule, err := e.getOwnedSchedule(ctx, id, lobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get schedule")
		return err
	}

	schedule.RunCount++
	schedule.LastRunTime = models.NewNullFromData(e.now())
	if maxRuns := models.PtrFromNull(schedule.MaxRuns); maxRuns != nil &&
		schedule.RunCount >= *maxRuns {
		schedule.IsActive = false
		span.AddEvent("schedule_exhausted")
	}

	db := e.db.WithContext(ctx)
	if err := db.Save(schedule).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save schedule bookkeeping")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated schedule last run")
	return nil
}

// ProcessDueSchedules is the tick entrypoint: every active schedule is
// evaluated once and each due one is enqueued then bookkept. A failing
// schedule never blocks the rest of the batch.
func (e *Engine) ProcessDueSchedules(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.ProcessDueSchedules")
	defer span.End()

	db := e.db.WithContext(ctx)

	var schedules []models.TestJobSchedule
	if err := db.Where("is_active = ?", true).Find(&schedules).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load active schedules")
		return err
	}

	now := e.now()
	fired := 0
	for i := range schedules {
		schedule := &schedules[i]
		if !e.IsDue(schedule, now) {
			continue
		}

		request := types.JobRequest{
			RepoURL:       schedule.RepoURL,
			TestImageType: schedule.TestImageType,
			LobID:         schedule.LobID,
			TeamID:        schedule.TeamID,
			UserID:        "scheduler",
			ScheduleID:    schedule.ID.String(),
		}

		if err := e.submit(ctx, request); err != nil {
			logger.Logger.WarnContext(ctx, "failed to enqueue scheduled job",
				"schedule", schedule.ID, "error", err)
			continue
		}

		if err := e.UpdateScheduleLastRun(ctx, schedule.ID, schedule.LobID); err != nil {
			logger.Logger.WarnContext(ctx, "failed to update schedule bookkeeping",
				"schedule", schedule.ID, "error", err)
			continue
		}
		fired++
	}

	span.AddEvent("processed_schedules", trace.WithAttributes(
		attribute.Int("fired", fired),
		attribute.Int("evaluated", len(schedules)),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "processed due schedules")
	return nil
}
