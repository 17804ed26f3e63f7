package cluster

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/testexechq/control-plane/internal/cluster",
)

// Returned by GetJobLogs when the job has no pod yet (or anymore).
const NoPodLogsMessage = "no pods found for job"

// JobOptions carries the policy-derived shape of a test workload. The
// resource quantities are Kubernetes resource strings ("500m", "1Gi").
type JobOptions struct {
	Env                   map[string]string
	Labels                map[string]string
	CPULimit              string
	MemoryLimit           string
	CPURequest            string
	MemoryRequest         string
	ActiveDeadlineSeconds int64
}

type JobInfo struct {
	StartTime      *time.Time
	CompletionTime *time.Time
	Labels         map[string]string
	Name           string
	Namespace      string
	Active         int32
	Succeeded      int32
	Failed         int32
}

// Terminal reports whether the cluster considers the job finished,
// successfully or not.
func (j JobInfo) Terminal() bool {
	return j.Succeeded >= 1 || j.Failed >= 1
}

type PodInfo struct {
	Labels    map[string]string
	Name      string
	Namespace string
	Phase     string
}

type NodeInfo struct {
	Name  string
	Ready bool
}

// Backend is the capability set over the container orchestrator. The rest
// of the system sees only this interface; provider types never leak past it.
type Backend interface {
	// Create a one-shot workload running `image` against `repoURL`.
	// Returns the job name as accepted by the cluster.
	CreateTestJob(
		ctx context.Context,
		image, jobName, repoURL, namespace string,
		opts JobOptions,
	) (string, error)
	GetJob(ctx context.Context, jobName, namespace string) (*JobInfo, error)
	IsJobCompleted(ctx context.Context, jobName, namespace string) (bool, error)
	// Returns the full log stream of the job's first pod, or
	// NoPodLogsMessage when no pod exists. Never fails on a missing pod.
	GetJobLogs(ctx context.Context, jobName, namespace string) (string, error)
	DeleteJob(ctx context.Context, jobName, namespace string) error
	CreateNamespaceIfNotExists(ctx context.Context, name string) error
	ListNamespaces(ctx context.Context, prefix string) ([]string, error)
	ListPods(ctx context.Context, namespace, labelSelector string) ([]PodInfo, error)
	ListJobs(ctx context.Context, namespace, labelSelector string) ([]JobInfo, error)
	ListNodes(ctx context.Context) ([]NodeInfo, error)
	// Delete terminal jobs in `namespace` whose completion is older than
	// `olderThan`. Returns the number of jobs removed.
	CleanupCompletedJobs(ctx context.Context, namespace string, olderThan time.Duration) (int, error)
}
