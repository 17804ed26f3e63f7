package tickers

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/cmd/server/internal/scheduler"
	"github.com/testexechq/control-plane/cmd/server/internal/taskrunner"
	"github.com/testexechq/control-plane/cmd/server/internal/tracker"
	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

const name = "github.com/testexechq/control-plane/cmd/server/internal/tickers"

var tracer = otel.Tracer(name)

const metricsPeriod = 5 * time.Minute
const schedulesPeriod = 5 * time.Minute
const cleanupPeriod = 4 * time.Hour

// Runner drives the periodic work: metric collection, schedule
// evaluation, workload cleanup, retention pruning and the daily test
// notification. Each tick is bounded by half its period.
type Runner struct {
	taskRunner *taskrunner.Client
	collector  *monitoring.Collector
	scheduler  *scheduler.Engine
	tracker    *tracker.Tracker
	backend    cluster.Backend
	policy     policy.Reader
	notifier   monitoring.Notifier
}

func NewRunner(
	taskRunner *taskrunner.Client,
	collector *monitoring.Collector,
	schedulerEngine *scheduler.Engine,
	trackerClient *tracker.Tracker,
	backend cluster.Backend,
	policyStore policy.Reader,
	notifier monitoring.Notifier,
) *Runner {
	return &Runner{
		taskRunner: taskRunner,
		collector:  collector,
		scheduler:  schedulerEngine,
		tracker:    trackerClient,
		backend:    backend,
		policy:     policyStore,
		notifier:   notifier,
	}
}

func (r *Runner) tick(
	ctx context.Context,
	taskName string,
	deadline time.Duration,
	fn func(context.Context) error,
) {
	r.taskRunner.Run(ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		ctx, span := tracer.Start(ctx, taskName, trace.WithNewRoot(), trace.WithAttributes(
			attribute.String("task", taskName),
		))
		defer span.End()

		if err := fn(ctx); err != nil {
			logger.Logger.WarnContext(ctx, "periodic task failed",
				"task", taskName, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "task failed")
			return
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "task completed")
	})
}

func (r *Runner) every(
	ctx context.Context,
	period time.Duration,
	taskName string,
	fn func(context.Context) error,
) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx, taskName, period/2, fn)
			}
		}
	}()
}

func nextDailyUTC(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

func (r *Runner) daily(
	ctx context.Context,
	hour, minute int,
	taskName string,
	fn func(context.Context) error,
) {
	go func() {
		for {
			wait := time.Until(nextDailyUTC(time.Now().UTC(), hour, minute))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				r.tick(ctx, taskName, time.Hour, fn)
			}
		}
	}()
}

// cleanupCompletedJobs removes terminal workloads past the cleanup window
// in every managed namespace. Skipped entirely when auto cleanup is off.
func (r *Runner) cleanupCompletedJobs(ctx context.Context) error {
	admin, err := r.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		return err
	}

	if !admin.ResourceManagement.AutoCleanupJobs {
		return nil
	}

	namespaces, err := r.backend.ListNamespaces(ctx, admin.Cluster.LobNamespacePrefix)
	if err != nil {
		return err
	}

	olderThan := time.Duration(admin.ResourceManagement.CleanupAfterHours) * time.Hour
	for _, namespace := range namespaces {
		deleted, err := r.backend.CleanupCompletedJobs(ctx, namespace, olderThan)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to clean up namespace",
				"namespace", namespace, "error", err)
			continue
		}
		if deleted > 0 {
			logger.Logger.InfoContext(ctx, "cleaned up completed jobs",
				"namespace", namespace, "deleted", deleted)
		}
	}

	return nil
}

func (r *Runner) sendTestNotification(ctx context.Context) error {
	return r.notifier.SendNotification(
		ctx,
		"Daily notification check",
		"The alerting pipeline is operational",
		types.SeverityInformation,
		nil,
	)
}

// Start launches every ticker. They stop when `ctx` is cancelled; ticks
// already in flight drain through the task runner on shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.every(ctx, metricsPeriod, "collect-cluster-metrics", r.collector.CollectClusterMetrics)
	r.every(ctx, schedulesPeriod, "process-scheduled-jobs", r.scheduler.ProcessDueSchedules)
	r.every(ctx, cleanupPeriod, "cleanup-completed-jobs", r.cleanupCompletedJobs)
	r.daily(ctx, 0, 0, "cleanup-old-test-results", r.tracker.PruneOldData)
	r.daily(ctx, 8, 0, "send-test-notification", r.sendTestNotification)
}
