package jobs

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/internal/queue"
	"github.com/testexechq/control-plane/internal/types"
)

// CleanupMsgHandler tears down finished cluster workloads requested via
// the cleanup queue. Retry is the queue's job: a failed handle leaves the
// message to reappear after its visibility timeout.
type CleanupMsgHandler struct {
	orchestrator *Orchestrator
}

var _ queue.MessageHandler = (*CleanupMsgHandler)(nil)

func (h *CleanupMsgHandler) Handle(ctx context.Context, message []byte) error {
	ctx, span := tracer.Start(ctx, "CleanupMsgHandler.Handle", trace.WithNewRoot())
	defer span.End()

	var msg types.CleanupJobMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal cleanup message")
		return queue.WrapPoisonError(err)
	}

	span.SetAttributes(
		attribute.String("job.name", msg.JobName),
		attribute.String("lob.id", msg.LobID),
	)

	if err := h.orchestrator.CleanupTestJob(ctx, msg.JobName, msg.LobID); err != nil {
		if types.IsClusterNotFound(err) {
			span.AddEvent("job_already_gone")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job already cleaned up")
			return nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to clean up job")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "cleaned up job")
	return nil
}

// MonitorCleanupQueue dequeues and handles cleanup requests until `ctx`
// is cancelled.
func MonitorCleanupQueue(
	ctx context.Context,
	qr queue.Queuer,
	orchestrator *Orchestrator,
) {
	ctx, span := tracer.Start(ctx, "MonitorCleanupQueue")
	defer span.End()

	handler := &CleanupMsgHandler{orchestrator: orchestrator}
OUTER:
	for {
		func() {
			//nolint:govet // shadow: intentionally shadow ctx and span to avoid using the incorrect one.
			ctx, span := tracer.Start(ctx, "MonitorCleanupQueue.Loop")
			defer span.End()

			if err := qr.Dequeue(ctx, 5*time.Minute, handler); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to dequeue and handle message")
				return
			}
		}()

		select {
		case <-ctx.Done():
			break OUTER
		default:
			continue
		}
	}
}
