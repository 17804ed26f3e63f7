package jobs_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/testexechq/control-plane/cmd/server/internal/jobs"
	"github.com/testexechq/control-plane/cmd/server/internal/namespaces"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
)

type stubPolicyReader struct {
	admin *policy.AdminConfiguration
}

func (s *stubPolicyReader) NamespacePrefix() string {
	return s.admin.Cluster.LobNamespacePrefix
}

func (s *stubPolicyReader) GetAdminConfiguration(
	_ context.Context,
	_ bool,
) (*policy.AdminConfiguration, error) {
	return s.admin, nil
}

func newOrchestrator(t *testing.T) (*jobs.Orchestrator, *fake.Clientset) {
	t.Helper()

	admin := policy.DefaultAdminConfiguration()
	reader := &stubPolicyReader{admin: &admin}

	client := fake.NewClientset()
	backend := cluster.NewAKSBackendFromClient(client)
	resolver := namespaces.NewResolver(backend, reader)

	orchestrator, err := jobs.NewOrchestrator(backend, resolver, reader, "registry.example.com")
	require.NoError(t, err)

	return orchestrator, client
}

func TestOrchestratorCreateTestJob(t *testing.T) {
	ctx := context.Background()
	orchestrator, client := newOrchestrator(t)

	jobName, err := orchestrator.CreateTestJob(ctx, "https://example.com/r.git", "DotNet", "Acme")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(jobName, "test-job-"), "job name %q", jobName)
	assert.Len(t, strings.TrimPrefix(jobName, "test-job-"), 32)

	job, err := client.BatchV1().Jobs("testexec-acme").Get(ctx, jobName, metav1.GetOptions{})
	require.NoError(t, err)

	// image type lowercased into the registry path
	assert.Equal(t, "registry.example.com/dotnet:latest",
		job.Spec.Template.Spec.Containers[0].Image)

	// deadline comes from admin policy minutes
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(30*60), *job.Spec.ActiveDeadlineSeconds)

	// the lob namespace is created on the way
	_, err = client.CoreV1().Namespaces().Get(ctx, "testexec-acme", metav1.GetOptions{})
	require.NoError(t, err)
}

func TestOrchestratorJobOutcome(t *testing.T) {
	ctx := context.Background()
	orchestrator, client := newOrchestrator(t)

	jobName, err := orchestrator.CreateTestJob(ctx, "https://example.com/r.git", "go", "acme")
	require.NoError(t, err)

	completed, _, err := orchestrator.JobOutcome(ctx, jobName, "acme")
	require.NoError(t, err)
	assert.False(t, completed)

	job, err := client.BatchV1().Jobs("testexec-acme").Get(ctx, jobName, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Succeeded = 1
	_, err = client.BatchV1().Jobs("testexec-acme").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)

	completed, status, err := orchestrator.JobOutcome(ctx, jobName, "acme")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, "Succeeded", string(status))
}

func TestOrchestratorCleanupTestJob(t *testing.T) {
	ctx := context.Background()
	orchestrator, client := newOrchestrator(t)

	jobName, err := orchestrator.CreateTestJob(ctx, "https://example.com/r.git", "go", "acme")
	require.NoError(t, err)

	require.NoError(t, orchestrator.CleanupTestJob(ctx, jobName, "acme"))

	_, err = client.BatchV1().Jobs("testexec-acme").Get(ctx, jobName, metav1.GetOptions{})
	assert.Error(t, err)
}
