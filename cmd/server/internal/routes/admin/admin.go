package admin

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v2"

	servermiddleware "github.com/testexechq/control-plane/cmd/server/internal/middleware"
	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/cmd/server/internal/reporting"
	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/types"
)

const name = "github.com/testexechq/control-plane/cmd/server/internal/routes/admin"

var tracer = otel.Tracer(name)

// Handler serves the admin-only surface: policy management, aggregate
// reporting and alert testing.
type Handler struct {
	Policy    *policy.Store
	Reporting *reporting.Service
	Notifier  monitoring.Notifier
}

func (h *Handler) AddRoutes(e *echo.Echo, middlewareHandler *servermiddleware.Handler) {
	group := e.Group(
		"/admin",
		middleware.BasicAuth(middlewareHandler.BasicAuthValidator),
		servermiddleware.RequireAdmin(),
	)

	group.GET("/configuration/", h.GetConfiguration)
	group.PUT("/configuration/", h.PutConfiguration)
	group.GET("/jobs/", h.GetJobs)
	group.GET("/jobs/summary/", h.GetJobsSummary)
	group.GET("/lobs/summary/", h.GetLobsSummary)
	group.GET("/tests/failing/", h.GetFailingTests)
	group.POST("/alerts/test/", h.TestAlert)
}

func (h *Handler) GetConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.GetConfiguration")
	defer span.End()

	cfg, err := h.Policy.GetAdminConfiguration(ctx, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got admin configuration")
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) PutConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.PutConfiguration")
	defer span.End()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("request body is required"),
		)
	}

	var cfg policy.AdminConfiguration
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to decode admin configuration yaml")
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("invalid yaml body"),
		)
	}

	current, err := h.Policy.GetAdminConfiguration(ctx, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load current admin configuration")
		return response.FromError(err)
	}
	cfg.ID = current.ID

	if err := h.Policy.SaveAdminConfiguration(ctx, &cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save admin configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "saved admin configuration")
	return c.JSON(http.StatusOK, cfg)
}

func optionalString(c echo.Context, param string) *string {
	value := c.QueryParam(param)
	if value == "" {
		return nil
	}

	return &value
}

func optionalTime(c echo.Context, param string) (*time.Time, error) {
	value := c.QueryParam(param)
	if value == "" {
		return nil, nil
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError(param+" must be RFC3339"),
		)
	}

	return &parsed, nil
}

func (h *Handler) GetJobs(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.GetJobs")
	defer span.End()

	start, err := optionalTime(c, "start")
	if err != nil {
		return err
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return err
	}

	filter := reporting.JobsFilter{
		LobID:  optionalString(c, "lob"),
		TeamID: optionalString(c, "team"),
		JobID:  optionalString(c, "job"),
		Start:  start,
		End:    end,
	}
	if status := c.QueryParam("status"); status != "" {
		jobStatus := types.JobStatus(status)
		filter.Status = &jobStatus
	}
	if err := echo.QueryParamsBinder(c).
		Int("pageSize", &filter.PageSize).
		Int("page", &filter.Page).
		BindError(); err != nil {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("pageSize and page must be integers"),
		)
	}

	jobs, err := h.Reporting.GetJobs(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return response.FromError(err)
	}

	total, err := h.Reporting.GetJobsCount(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count jobs")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed jobs")
	return c.JSON(http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
	})
}

func (h *Handler) GetJobsSummary(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.GetJobsSummary")
	defer span.End()

	start, err := optionalTime(c, "start")
	if err != nil {
		return err
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return err
	}

	summary, err := h.Reporting.GetExecutionSummary(ctx, optionalString(c, "lob"), start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate summary")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated summary")
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) GetLobsSummary(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.GetLobsSummary")
	defer span.End()

	start, err := optionalTime(c, "start")
	if err != nil {
		return err
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return err
	}

	summaries, err := h.Reporting.GetLobExecutionSummary(ctx, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate lob summaries")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated lob summaries")
	return c.JSON(http.StatusOK, summaries)
}

func (h *Handler) GetFailingTests(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.GetFailingTests")
	defer span.End()

	start, err := optionalTime(c, "start")
	if err != nil {
		return err
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return err
	}

	limit := 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("limit must be an integer"),
		)
	}

	failing, err := h.Reporting.GetTopFailingTests(
		ctx,
		optionalString(c, "lob"),
		optionalString(c, "team"),
		start,
		end,
		limit,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate failing tests")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated failing tests")
	return c.JSON(http.StatusOK, failing)
}

type testAlertRequest struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (h *Handler) TestAlert(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Admin.TestAlert")
	defer span.End()

	var body testAlertRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	if body.Title == "" {
		body.Title = "Test alert"
	}
	if body.Message == "" {
		body.Message = "This is a test notification from the control plane"
	}
	severity := types.AlertSeverity(body.Severity)
	switch severity {
	case types.SeverityInformation, types.SeverityWarning, types.SeverityCritical:
	case "":
		severity = types.SeverityInformation
	default:
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("severity must be Information, Warning or Critical"),
		)
	}

	if err := h.Notifier.SendNotification(ctx, body.Title, body.Message, severity, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send test notification")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "sent test notification")
	return c.JSON(http.StatusOK, map[string]string{"message": "notification dispatched"})
}
