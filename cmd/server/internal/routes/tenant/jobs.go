package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	servermiddleware "github.com/testexechq/control-plane/cmd/server/internal/middleware"
	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

type submitJobRequest struct {
	RepoURL       string `json:"repoUrl"       validate:"required,url"`
	TestImageType string `json:"testImageType" validate:"required"`
}

type jobMessageResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type jobStatusResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type testResultView struct {
	TestName        string  `json:"testName"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"durationSeconds"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	StackTrace      string  `json:"stackTrace,omitempty"`
}

type jobResultsView struct {
	TestsPassed  int              `json:"testsPassed"`
	TestsFailed  int              `json:"testsFailed"`
	TestsSkipped int              `json:"testsSkipped"`
	Tests        []testResultView `json:"tests"`
}

type jobResultsResponse struct {
	JobID     string            `json:"jobId"`
	Status    string            `json:"status"`
	Results   *jobResultsView   `json:"results,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

func (h *Handler) claims(c echo.Context) (*models.Claims, error) {
	auth, ok := servermiddleware.AuthFrom(c)
	if !ok {
		return nil, response.UnauthorizedError
	}

	claims := auth.Claims
	if claims.LobID == "" || claims.TeamID == "" || claims.UserID == "" {
		return nil, response.UnauthorizedError
	}

	return &claims, nil
}

func (h *Handler) ownedJob(
	ctx context.Context,
	c echo.Context,
	claims *models.Claims,
) (*models.TestJob, error) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("invalid job id"),
		)
	}

	job, err := h.Tracker.GetJob(ctx, jobID)
	if err != nil {
		return nil, response.FromError(err)
	}

	// tenancy isolation reads as not found, never as forbidden
	if job.LobID != claims.LobID {
		return nil, response.NotFoundError
	}

	return job, nil
}

func (h *Handler) SubmitJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmitJob")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("lob.id", claims.LobID),
		attribute.String("team.id", claims.TeamID),
	)

	var body submitJobRequest
	if err := c.Bind(&body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to parse request data")
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	if err := c.Validate(body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to validate request data")
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	request := types.JobRequest{
		RepoURL:       body.RepoURL,
		TestImageType: body.TestImageType,
		LobID:         claims.LobID,
		TeamID:        claims.TeamID,
		UserID:        claims.UserID,
	}

	jobID, jobName, err := h.Submitter.Submit(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job")
		return response.FromError(err)
	}

	span.AddEvent("submitted_job", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "submitted job")
	return c.JSON(http.StatusOK, jobMessageResponse{
		JobID:   jobID.String(),
		Message: fmt.Sprintf("Test job created and running: %s", jobName),
	})
}

// refreshJobStatus re-derives a Running job's state from the cluster and
// ingests its results once the workload is terminal. The cluster remains
// the source of truth for runtime state; the row only changes here.
func (h *Handler) refreshJobStatus(
	ctx context.Context,
	job *models.TestJob,
) (*models.TestJob, error) {
	if job.Status.Terminal() || job.ClusterJobName == "" {
		return job, nil
	}

	completed, status, err := h.Orchestrator.JobOutcome(ctx, job.ClusterJobName, job.LobID)
	if err != nil {
		if types.IsClusterNotFound(err) {
			// workload vanished before completion was ingested
			return job, nil
		}

		return nil, err
	}

	if !completed {
		return job, nil
	}

	report, err := h.Orchestrator.GetTestResults(ctx, job.ClusterJobName, job.LobID)
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to fetch runner output",
			"job", job.ID, "error", err)
		report = ""
	}

	updated, err := h.Tracker.CompleteJob(ctx, job.ID, status, []byte(report), []byte(report))
	if err != nil {
		var invalid *types.InvalidRequestError
		if updated != nil && errors.As(err, &invalid) {
			// commit went through, only the artifact was oversized
			logger.Logger.WarnContext(ctx, "results artifact rejected by size policy",
				"job", job.ID, "error", err)
			return updated, nil
		}

		return nil, err
	}

	return updated, nil
}

func (h *Handler) GetJobStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetJobStatus")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	job, err := h.ownedJob(ctx, c, claims)
	if err != nil {
		return err
	}

	job, err = h.refreshJobStatus(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to refresh job status")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job status")
	return c.JSON(http.StatusOK, jobStatusResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	})
}

func (h *Handler) GetJobResults(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetJobResults")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	job, err := h.ownedJob(ctx, c, claims)
	if err != nil {
		return err
	}

	job, err = h.refreshJobStatus(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to refresh job status")
		return response.FromError(err)
	}

	resp := jobResultsResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	}

	if job.Status.Terminal() {
		rows, err := h.Tracker.ListResults(ctx, job.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list results")
			return response.FromError(err)
		}

		view := &jobResultsView{
			TestsPassed:  job.TestsPassed,
			TestsFailed:  job.TestsFailed,
			TestsSkipped: job.TestsSkipped,
			Tests:        make([]testResultView, 0, len(rows)),
		}
		for _, row := range rows {
			test := testResultView{
				TestName:        row.TestName,
				Status:          string(row.Status),
				DurationSeconds: row.DurationSeconds,
			}
			if msg := models.PtrFromNull(row.ErrorMessage); msg != nil {
				test.ErrorMessage = *msg
			}
			if stack := models.PtrFromNull(row.StackTrace); stack != nil {
				test.StackTrace = *stack
			}
			view.Tests = append(view.Tests, test)
		}
		resp.Results = view
		resp.Artifacts = h.Tracker.ArtifactURLs(ctx, job)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job results")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CleanupJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CleanupJob")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	job, err := h.ownedJob(ctx, c, claims)
	if err != nil {
		return err
	}

	if job.ClusterJobName == "" {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("job has no cluster workload to clean up"),
		)
	}

	err = h.CleanupQueue.Enqueue(ctx, types.CleanupJobMessage{
		JobName: job.ClusterJobName,
		LobID:   job.LobID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue cleanup")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "enqueued cleanup")
	return c.JSON(http.StatusOK, jobMessageResponse{
		JobID:   job.ID.String(),
		Message: "Cleanup scheduled",
	})
}
