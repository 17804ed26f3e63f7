package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/namespaces"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
	otelexec "github.com/testexechq/control-plane/internal/otel"
	"github.com/testexechq/control-plane/internal/types"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/jobs"

var tracer = otel.Tracer(name)
var meter = otel.Meter(name)

// Orchestrator translates validated job requests into cluster workloads.
// It holds no job state: the cluster owns runtime state and the tracker
// owns the rows.
type Orchestrator struct {
	backend        cluster.Backend
	resolver       *namespaces.Resolver
	policy         policy.Reader
	registry       string
	createDuration metric.Float64Histogram
	createdCount   metric.Int64Counter
}

func NewOrchestrator(
	backend cluster.Backend,
	resolver *namespaces.Resolver,
	policyStore policy.Reader,
	registry string,
) (*Orchestrator, error) {
	createDuration, err := meter.Float64Histogram(
		"testexec.job.create.duration",
		metric.WithDescription("Time to submit a test job to the cluster"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	createdCount, err := meter.Int64Counter(
		"testexec.job.created",
		metric.WithDescription("Test jobs submitted to the cluster"),
	)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		backend:        backend,
		resolver:       resolver,
		policy:         policyStore,
		registry:       registry,
		createDuration: createDuration,
		createdCount:   createdCount,
	}, nil
}

func newJobName() string {
	return "test-job-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// CreateTestJob submits a one-shot workload for `repoURL` into the LOB's
// namespace and returns the cluster job name. Database state is the
// caller's responsibility.
func (o *Orchestrator) CreateTestJob(
	ctx context.Context,
	repoURL, testImageType, lobID string,
) (string, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.CreateTestJob", trace.WithAttributes(
		attribute.String("repo.url", repoURL),
		attribute.String("image.type", testImageType),
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	start := time.Now()

	namespace, err := o.resolver.EnsureNamespace(ctx, lobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ensure namespace")
		return "", err
	}

	admin, err := o.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return "", err
	}

	limits := admin.ResourceManagement.DefaultContainerLimits
	imageName := fmt.Sprintf("%s/%s:latest", o.registry, strings.ToLower(testImageType))
	jobName := newJobName()

	span.SetAttributes(
		attribute.String("job.name", jobName),
		attribute.String("job.image", imageName),
		attribute.String("job.namespace", namespace),
	)

	// propagate the trace into the runner environment
	carrier := otelexec.CreateEnvCarrier()
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	created, err := o.backend.CreateTestJob(ctx, imageName, jobName, repoURL, namespace,
		cluster.JobOptions{
			ActiveDeadlineSeconds: int64(admin.ResourceManagement.DefaultJobTimeoutMinutes) * 60,
			CPULimit:              limits.CPULimit,
			MemoryLimit:           limits.MemoryLimit,
			CPURequest:            limits.CPURequest,
			MemoryRequest:         limits.MemoryRequest,
			Env:                   carrier.AsEnv(),
			Labels: map[string]string{
				cluster.LobLabel: strings.ToLower(lobID),
			},
		})

	attrs := metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("image_type", testImageType),
		attribute.String("lob_id", lobID),
	)
	o.createDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cluster job")
		return "", fmt.Errorf("failed to create test job in %s: %w", namespace, err)
	}

	o.createdCount.Add(ctx, 1, attrs)
	span.AddEvent("TestJobCreated", trace.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("image_type", testImageType),
		attribute.String("lob_id", lobID),
	))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created test job")
	return created, nil
}

func (o *Orchestrator) IsJobCompleted(
	ctx context.Context,
	jobName, lobID string,
) (bool, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.IsJobCompleted", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	namespace := o.resolver.NamespaceForLob(lobID)

	completed, err := o.backend.IsJobCompleted(ctx, jobName, namespace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check job completion")
		return false, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "checked job completion")
	return completed, nil
}

// JobOutcome derives the terminal status from the cluster job counters.
// Returns completed=false while the job is still running.
func (o *Orchestrator) JobOutcome(
	ctx context.Context,
	jobName, lobID string,
) (bool, types.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.JobOutcome", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	namespace := o.resolver.NamespaceForLob(lobID)

	job, err := o.backend.GetJob(ctx, jobName, namespace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get cluster job")
		return false, "", err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "derived job outcome")

	switch {
	case job.Succeeded >= 1:
		return true, types.JobStatusSucceeded, nil
	case job.Failed >= 1:
		return true, types.JobStatusFailed, nil
	default:
		return false, types.JobStatusRunning, nil
	}
}

// GetTestResults fetches the raw runner output for a job.
func (o *Orchestrator) GetTestResults(
	ctx context.Context,
	jobName, lobID string,
) (string, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.GetTestResults", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	namespace := o.resolver.NamespaceForLob(lobID)

	logs, err := o.backend.GetJobLogs(ctx, jobName, namespace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job logs")
		return "", err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job logs")
	return logs, nil
}

func (o *Orchestrator) CleanupTestJob(ctx context.Context, jobName, lobID string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.CleanupTestJob", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	namespace := o.resolver.NamespaceForLob(lobID)

	if err := o.backend.DeleteJob(ctx, jobName, namespace); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "cleaned up test job")
	return nil
}
