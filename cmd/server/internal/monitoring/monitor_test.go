package monitoring_test

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

	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/types"
)

func TestCollectClusterMetrics(t *testing.T) {
	ctx := context.Background()

	admin := policy.DefaultAdminConfiguration()
	admin.Alerts.Rules = []policy.AlertRule{
		{
			ID:                "failed-pods",
			Name:              "Failed pods present",
			Metric:            "Cluster.FailedPods",
			Threshold:         0,
			Operator:          types.OperatorGreaterThan,
			TimeWindowMinutes: 60,
			Severity:          types.SeverityWarning,
			Enabled:           true,
			Dimensions:        map[string]string{"namespace": "testexec-acme"},
		},
	}
	reader := &stubPolicyReader{admin: &admin}
	notifier := &recordingNotifier{}
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	alerts := monitoring.NewAlertManagerWithClock(reader, notifier, func() time.Time {
		return now
	})

	client := fake.NewClientset()
	backend := cluster.NewAKSBackendFromClient(client)

	_, err := client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "testexec-acme"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	pods := []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "running", Namespace: "testexec-acme"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "failed", Namespace: "testexec-acme"},
			Status:     corev1.PodStatus{Phase: corev1.PodFailed},
		},
	}
	for i := range pods {
		_, err := client.CoreV1().
			Pods("testexec-acme").
			Create(ctx, &pods[i], metav1.CreateOptions{})
		require.NoError(t, err)
	}

	_, err = client.BatchV1().Jobs("testexec-acme").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "job", Namespace: "testexec-acme"},
		Status:     batchv1.JobStatus{Active: 1},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = client.CoreV1().Nodes().Create(ctx, &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
		}},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	collector, err := monitoring.NewCollector(backend, reader, alerts)
	require.NoError(t, err)

	require.NoError(t, collector.CollectClusterMetrics(ctx))

	// the per-namespace failed pod sample violates the dimensioned rule
	assert.Equal(t, 1, notifier.count())
}
