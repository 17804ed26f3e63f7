package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/types"
)

func newBackend(t *testing.T) (*cluster.AKSBackend, *fake.Clientset) {
	t.Helper()

	client := fake.NewClientset()
	return cluster.NewAKSBackendFromClient(client), client
}

func TestCreateTestJob(t *testing.T) {
	ctx := context.Background()
	backend, client := newBackend(t)

	name, err := backend.CreateTestJob(
		ctx,
		"registry.example.com/dotnet:latest",
		"test-job-abc",
		"https://example.com/repo.git",
		"testexec-acme",
		cluster.JobOptions{
			ActiveDeadlineSeconds: 1800,
			CPULimit:              "1",
			MemoryLimit:           "1Gi",
			CPURequest:            "250m",
			MemoryRequest:         "256Mi",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "test-job-abc", name)

	job, err := client.BatchV1().
		Jobs("testexec-acme").
		Get(ctx, "test-job-abc", metav1.GetOptions{})
	require.NoError(t, err)

	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(1800), *job.Spec.ActiveDeadlineSeconds)

	podSpec := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, podSpec.RestartPolicy)
	require.Len(t, podSpec.Containers, 1)

	container := podSpec.Containers[0]
	assert.Equal(t, "registry.example.com/dotnet:latest", container.Image)

	var repoURL string
	for _, env := range container.Env {
		if env.Name == "REPO_URL" {
			repoURL = env.Value
		}
	}
	assert.Equal(t, "https://example.com/repo.git", repoURL)

	cpuLimit := container.Resources.Limits[corev1.ResourceCPU]
	assert.Equal(t, "1", cpuLimit.String())
	memLimit := container.Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, "1Gi", memLimit.String())
}

func TestIsJobCompleted(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		status    batchv1.JobStatus
		completed bool
	}{
		{name: "Running", status: batchv1.JobStatus{Active: 1}, completed: false},
		{name: "Succeeded", status: batchv1.JobStatus{Succeeded: 1}, completed: true},
		{name: "Failed", status: batchv1.JobStatus{Failed: 1}, completed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, client := newBackend(t)

			_, err := client.BatchV1().Jobs("ns").Create(ctx, &batchv1.Job{
				ObjectMeta: metav1.ObjectMeta{Name: "job", Namespace: "ns"},
				Status:     tt.status,
			}, metav1.CreateOptions{})
			require.NoError(t, err)

			completed, err := backend.IsJobCompleted(ctx, "job", "ns")
			require.NoError(t, err)
			assert.Equal(t, tt.completed, completed)
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	ctx := context.Background()
	backend, _ := newBackend(t)

	_, err := backend.GetJob(ctx, "missing", "ns")
	require.Error(t, err)
	assert.True(t, types.IsClusterNotFound(err))
}

func TestGetJobLogsNoPods(t *testing.T) {
	ctx := context.Background()
	backend, _ := newBackend(t)

	logs, err := backend.GetJobLogs(ctx, "job", "ns")
	require.NoError(t, err)
	assert.Equal(t, cluster.NoPodLogsMessage, logs)
}

func TestCreateNamespaceIfNotExists(t *testing.T) {
	ctx := context.Background()
	backend, client := newBackend(t)

	require.NoError(t, backend.CreateNamespaceIfNotExists(ctx, "testexec-acme"))
	// second call observes the existing namespace
	require.NoError(t, backend.CreateNamespaceIfNotExists(ctx, "testexec-acme"))

	namespaces, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, namespaces.Items, 1)
}

func TestListNamespacesPrefix(t *testing.T) {
	ctx := context.Background()
	backend, client := newBackend(t)

	for _, name := range []string{"testexec-acme", "testexec-globex", "kube-system"} {
		_, err := client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: name},
		}, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	names, err := backend.ListNamespaces(ctx, "testexec-")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"testexec-acme", "testexec-globex"}, names)
}

func TestListNodesReady(t *testing.T) {
	ctx := context.Background()
	backend, client := newBackend(t)

	_, err := client.CoreV1().Nodes().Create(ctx, &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "ready"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
		}},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = client.CoreV1().Nodes().Create(ctx, &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "not-ready"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionFalse},
		}},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	nodes, err := backend.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	ready := 0
	for _, node := range nodes {
		if node.Ready {
			ready++
		}
	}
	assert.Equal(t, 1, ready)
}

func TestCleanupCompletedJobs(t *testing.T) {
	ctx := context.Background()
	backend, client := newBackend(t)

	oldCompletion := metav1.NewTime(time.Now().UTC().Add(-48 * time.Hour))
	recentCompletion := metav1.NewTime(time.Now().UTC().Add(-time.Hour))

	jobs := []batchv1.Job{
		{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "old-done",
				Namespace: "ns",
				Labels:    map[string]string{cluster.ManagedByLabel: "testexec-control-plane"},
			},
			Status: batchv1.JobStatus{Succeeded: 1, CompletionTime: &oldCompletion},
		},
		{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "recent-done",
				Namespace: "ns",
				Labels:    map[string]string{cluster.ManagedByLabel: "testexec-control-plane"},
			},
			Status: batchv1.JobStatus{Succeeded: 1, CompletionTime: &recentCompletion},
		},
		{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "running",
				Namespace: "ns",
				Labels:    map[string]string{cluster.ManagedByLabel: "testexec-control-plane"},
			},
			Status: batchv1.JobStatus{Active: 1},
		},
	}
	for i := range jobs {
		_, err := client.BatchV1().Jobs("ns").Create(ctx, &jobs[i], metav1.CreateOptions{})
		require.NoError(t, err)
	}

	deleted, err := backend.CleanupCompletedJobs(ctx, "ns", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := client.BatchV1().Jobs("ns").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)

	names := make([]string, 0, len(remaining.Items))
	for _, job := range remaining.Items {
		names = append(names, job.Name)
	}
	assert.ElementsMatch(t, []string{"recent-done", "running"}, names)
}
