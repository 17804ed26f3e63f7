package tenant

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/types"
)

type scheduleView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	LobID           string     `json:"lobId"`
	TeamID          string     `json:"teamId"`
	RepoURL         string     `json:"repoUrl"`
	TestImageType   string     `json:"testImageType"`
	ScheduleType    string     `json:"scheduleType"`
	IntervalMinutes *int       `json:"intervalMinutes,omitempty"`
	DaysOfWeek      []int      `json:"daysOfWeek,omitempty"`
	DaysOfMonth     []int      `json:"daysOfMonth,omitempty"`
	TimeOfDay       *string    `json:"timeOfDay,omitempty"`
	ScheduledTime   *time.Time `json:"scheduledTime,omitempty"`
	MaxRuns         *int       `json:"maxRuns,omitempty"`
	RunCount        int        `json:"runCount"`
	IsActive        bool       `json:"isActive"`
	LastRunTime     *time.Time `json:"lastRunTime,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func viewFromSchedule(schedule *models.TestJobSchedule) scheduleView {
	return scheduleView{
		ID:              schedule.ID.String(),
		Name:            schedule.Name,
		LobID:           schedule.LobID,
		TeamID:          schedule.TeamID,
		RepoURL:         schedule.RepoURL,
		TestImageType:   schedule.TestImageType,
		ScheduleType:    string(schedule.ScheduleType),
		IntervalMinutes: models.PtrFromNull(schedule.IntervalMinutes),
		DaysOfWeek:      schedule.DaysOfWeekSet(),
		DaysOfMonth:     schedule.DaysOfMonthSet(),
		TimeOfDay:       models.PtrFromNull(schedule.TimeOfDay),
		ScheduledTime:   models.PtrFromNull(schedule.ScheduledTime),
		MaxRuns:         models.PtrFromNull(schedule.MaxRuns),
		RunCount:        schedule.RunCount,
		IsActive:        schedule.IsActive,
		LastRunTime:     models.PtrFromNull(schedule.LastRunTime),
		CreatedAt:       schedule.CreatedAt,
	}
}

func readYAMLBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to read request body"),
		)
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("request body is required"),
		)
	}

	return body, nil
}

func scheduleIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("schedule_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("invalid schedule id"),
		)
	}

	return id, nil
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CreateSchedule")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	body, err := readYAMLBody(c)
	if err != nil {
		return err
	}

	schedule, err := h.Scheduler.CreateScheduleFromYAML(ctx, *claims, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create schedule")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created schedule")
	return c.JSON(http.StatusCreated, viewFromSchedule(schedule))
}

func (h *Handler) ListSchedules(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListSchedules")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	schedules, err := h.Scheduler.ListSchedules(ctx, *claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list schedules")
		return response.FromError(err)
	}

	views := make([]scheduleView, 0, len(schedules))
	for i := range schedules {
		views = append(views, viewFromSchedule(&schedules[i]))
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed schedules")
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetSchedule")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := scheduleIDParam(c)
	if err != nil {
		return err
	}

	schedule, err := h.Scheduler.GetSchedule(ctx, id, *claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get schedule")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got schedule")
	return c.JSON(http.StatusOK, viewFromSchedule(schedule))
}

func (h *Handler) UpdateSchedule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UpdateSchedule")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := scheduleIDParam(c)
	if err != nil {
		return err
	}

	body, err := readYAMLBody(c)
	if err != nil {
		return err
	}

	schedule, err := h.Scheduler.UpdateScheduleFromYAML(ctx, id, *claims, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update schedule")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated schedule")
	return c.JSON(http.StatusOK, viewFromSchedule(schedule))
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeleteSchedule")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := scheduleIDParam(c)
	if err != nil {
		return err
	}

	if err := h.Scheduler.DeleteSchedule(ctx, id, *claims); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted schedule")
	return c.NoContent(http.StatusNoContent)
}
