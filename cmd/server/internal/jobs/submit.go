package jobs

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/tracker"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

// Submitter runs the submission pipeline shared by the HTTP surface and
// the schedule engine: persist the Running row, submit the workload, and
// record the cluster job name.
type Submitter struct {
	Tracker      *tracker.Tracker
	Orchestrator *Orchestrator
}

func (s *Submitter) Submit(
	ctx context.Context,
	request types.JobRequest,
) (uuid.UUID, string, error) {
	ctx, span := tracer.Start(ctx, "Submitter.Submit", trace.WithAttributes(
		attribute.String("lob.id", request.LobID),
		attribute.String("team.id", request.TeamID),
		attribute.String("repo.url", request.RepoURL),
	))
	defer span.End()

	if request.Branch == "" {
		request.Branch = "main"
	}

	var scheduleID *uuid.UUID
	if request.ScheduleID != "" {
		parsed, err := uuid.Parse(request.ScheduleID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid schedule id on request")
			return uuid.Nil, "", types.InvalidRequest("scheduleId", "not a valid uuid")
		}
		scheduleID = &parsed
	}

	jobID, err := s.Tracker.CreateJob(
		ctx,
		request.LobID,
		request.TeamID,
		request.RepoURL,
		request.TestImageType,
		request.UserID,
		scheduleID,
		"",
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return uuid.Nil, "", err
	}

	jobName, err := s.Orchestrator.CreateTestJob(
		ctx,
		request.RepoURL,
		request.TestImageType,
		request.LobID,
	)
	if err != nil {
		// the row was already committed, mark the failed submission
		if updateErr := s.Tracker.UpdateJobStatus(ctx, jobID, types.JobStatusFailed); updateErr != nil {
			logger.Logger.WarnContext(ctx, "failed to mark job failed after submit error",
				"job", jobID, "error", updateErr)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job to cluster")
		return uuid.Nil, "", err
	}

	if err := s.Tracker.SetClusterJobName(ctx, jobID, jobName); err != nil {
		logger.Logger.WarnContext(ctx, "failed to record cluster job name",
			"job", jobID, "error", err)
	}

	span.AddEvent("submitted_job", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("job.name", jobName),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "submitted job")
	return jobID, jobName, nil
}
