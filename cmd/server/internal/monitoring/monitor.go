package monitoring

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/logger"
)

// Collector samples cluster state on a tick and feeds every emitted
// metric through alert evaluation.
type Collector struct {
	backend     cluster.Backend
	policy      policy.Reader
	alerts      *AlertManager
	podsGauge   metric.Int64Gauge
	jobsGauge   metric.Int64Gauge
	nodesGauge  metric.Int64Gauge
	loadGauge   metric.Float64Gauge
}

func NewCollector(
	backend cluster.Backend,
	policyStore policy.Reader,
	alerts *AlertManager,
) (*Collector, error) {
	podsGauge, err := meter.Int64Gauge(
		"testexec.cluster.pods",
		metric.WithDescription("Pods by phase across managed namespaces"),
	)
	if err != nil {
		return nil, err
	}

	jobsGauge, err := meter.Int64Gauge(
		"testexec.cluster.jobs",
		metric.WithDescription("Jobs by state across managed namespaces"),
	)
	if err != nil {
		return nil, err
	}

	nodesGauge, err := meter.Int64Gauge(
		"testexec.cluster.nodes.ready",
		metric.WithDescription("Nodes reporting Ready"),
	)
	if err != nil {
		return nil, err
	}

	loadGauge, err := meter.Float64Gauge(
		"testexec.cluster.load",
		metric.WithDescription("Running pods per available node slot"),
	)
	if err != nil {
		return nil, err
	}

	return &Collector{
		backend:    backend,
		policy:     policyStore,
		alerts:     alerts,
		podsGauge:  podsGauge,
		jobsGauge:  jobsGauge,
		nodesGauge: nodesGauge,
		loadGauge:  loadGauge,
	}, nil
}

type namespaceCounts struct {
	runningPods   int64
	pendingPods   int64
	failedPods    int64
	activeJobs    int64
	succeededJobs int64
	failedJobs    int64
}

func (c *Collector) collectNamespace(
	ctx context.Context,
	namespace string,
) (*namespaceCounts, error) {
	counts := &namespaceCounts{}

	pods, err := c.backend.ListPods(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	for _, pod := range pods {
		switch pod.Phase {
		case "Running":
			counts.runningPods++
		case "Pending":
			counts.pendingPods++
		case "Failed":
			counts.failedPods++
		}
	}

	jobs, err := c.backend.ListJobs(ctx, namespace, "")
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		switch {
		case job.Succeeded >= 1:
			counts.succeededJobs++
		case job.Failed >= 1:
			counts.failedJobs++
		case job.Active >= 1:
			counts.activeJobs++
		}
	}

	return counts, nil
}

func (c *Collector) emitNamespace(
	ctx context.Context,
	namespace string,
	counts *namespaceCounts,
) {
	attrsFor := func(extra string) metric.MeasurementOption {
		return metric.WithAttributes(
			attribute.String("namespace", namespace),
			attribute.String("state", extra),
		)
	}

	c.podsGauge.Record(ctx, counts.runningPods, attrsFor("Running"))
	c.podsGauge.Record(ctx, counts.pendingPods, attrsFor("Pending"))
	c.podsGauge.Record(ctx, counts.failedPods, attrsFor("Failed"))
	c.jobsGauge.Record(ctx, counts.activeJobs, attrsFor("Active"))
	c.jobsGauge.Record(ctx, counts.succeededJobs, attrsFor("Succeeded"))
	c.jobsGauge.Record(ctx, counts.failedJobs, attrsFor("Failed"))

	dims := map[string]string{"namespace": namespace}
	c.alerts.EvaluateMetric(ctx, "Cluster.RunningPods", float64(counts.runningPods), dims)
	c.alerts.EvaluateMetric(ctx, "Cluster.PendingPods", float64(counts.pendingPods), dims)
	c.alerts.EvaluateMetric(ctx, "Cluster.FailedPods", float64(counts.failedPods), dims)
	c.alerts.EvaluateMetric(ctx, "Cluster.ActiveJobs", float64(counts.activeJobs), dims)
	c.alerts.EvaluateMetric(ctx, "Cluster.SucceededJobs", float64(counts.succeededJobs), dims)
	c.alerts.EvaluateMetric(ctx, "Cluster.FailedJobs", float64(counts.failedJobs), dims)
}

// CollectClusterMetrics walks the managed namespaces, emits global and
// per-namespace gauges and evaluates every sample against the alert rules.
func (c *Collector) CollectClusterMetrics(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Collector.CollectClusterMetrics")
	defer span.End()

	admin, err := c.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return err
	}

	namespaces, err := c.backend.ListNamespaces(ctx, admin.Cluster.LobNamespacePrefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list namespaces")
		return err
	}

	total := namespaceCounts{}
	for _, namespace := range namespaces {
		counts, err := c.collectNamespace(ctx, namespace)
		if err != nil {
			logger.Logger.WarnContext(ctx, "skipping namespace during collection",
				"namespace", namespace, "error", err)
			continue
		}

		c.emitNamespace(ctx, namespace, counts)

		total.runningPods += counts.runningPods
		total.pendingPods += counts.pendingPods
		total.failedPods += counts.failedPods
		total.activeJobs += counts.activeJobs
		total.succeededJobs += counts.succeededJobs
		total.failedJobs += counts.failedJobs
	}

	nodes, err := c.backend.ListNodes(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list nodes")
		return err
	}

	readyNodes := int64(0)
	for _, node := range nodes {
		if node.Ready {
			readyNodes++
		}
	}
	c.nodesGauge.Record(ctx, readyNodes)

	// coarse utilization heuristic: ten pod slots per ready node
	slots := readyNodes * 10
	if slots < 1 {
		slots = 1
	}
	clusterLoad := float64(total.runningPods) / float64(slots)
	c.loadGauge.Record(ctx, clusterLoad)

	c.alerts.EvaluateMetric(ctx, "Cluster.RunningPods", float64(total.runningPods), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.PendingPods", float64(total.pendingPods), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.FailedPods", float64(total.failedPods), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.ActiveJobs", float64(total.activeJobs), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.SucceededJobs", float64(total.succeededJobs), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.FailedJobs", float64(total.failedJobs), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.ReadyNodes", float64(readyNodes), nil)
	c.alerts.EvaluateMetric(ctx, "Cluster.Load", clusterLoad, nil)

	span.AddEvent("collected_cluster_metrics")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "collected cluster metrics")
	return nil
}
