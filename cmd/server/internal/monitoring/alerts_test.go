package monitoring_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/types"
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

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) SendNotification(
	_ context.Context,
	title, _ string,
	_ types.AlertSeverity,
	_ map[string]string,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, title)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.calls)
}

func adminWithRule(rule policy.AlertRule) *policy.AdminConfiguration {
	admin := policy.DefaultAdminConfiguration()
	admin.Alerts.Rules = []policy.AlertRule{rule}
	return &admin
}

func newManager(
	rule policy.AlertRule,
	at *time.Time,
) (*monitoring.AlertManager, *recordingNotifier) {
	notifier := &recordingNotifier{}
	reader := &stubPolicyReader{admin: adminWithRule(rule)}
	manager := monitoring.NewAlertManagerWithClock(reader, notifier, func() time.Time {
		return *at
	})

	return manager, notifier
}

func TestEvaluateMetricOperators(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		operator types.AlertOperator
		value    float64
		fires    bool
	}{
		{name: "GreaterThanFires", operator: types.OperatorGreaterThan, value: 51, fires: true},
		{name: "GreaterThanHolds", operator: types.OperatorGreaterThan, value: 50, fires: false},
		{name: "LessThanFires", operator: types.OperatorLessThan, value: 49, fires: true},
		{name: "LessThanHolds", operator: types.OperatorLessThan, value: 50, fires: false},
		{name: "EqualsFiresWithinTolerance", operator: types.OperatorEquals, value: 50.00001, fires: true},
		{name: "EqualsHoldsOutsideTolerance", operator: types.OperatorEquals, value: 50.1, fires: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
			manager, notifier := newManager(policy.AlertRule{
				ID:                "rule",
				Name:              "rule",
				Metric:            "TestExecution.FailRate",
				Threshold:         50,
				Operator:          tt.operator,
				TimeWindowMinutes: 60,
				Severity:          types.SeverityWarning,
				Enabled:           true,
			}, &now)

			manager.EvaluateMetric(ctx, "TestExecution.FailRate", tt.value, nil)

			if tt.fires {
				assert.Equal(t, 1, notifier.count())
			} else {
				assert.Zero(t, notifier.count())
			}
		})
	}
}

func TestEvaluateMetricDisabledRule(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	manager, notifier := newManager(policy.AlertRule{
		ID:                "rule",
		Metric:            "Cluster.Load",
		Threshold:         1,
		Operator:          types.OperatorGreaterThan,
		TimeWindowMinutes: 60,
		Enabled:           false,
	}, &now)

	manager.EvaluateMetric(context.Background(), "Cluster.Load", 5, nil)
	assert.Zero(t, notifier.count())
}

func TestEvaluateMetricDimensionMatching(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	manager, notifier := newManager(policy.AlertRule{
		ID:                "rule",
		Metric:            "Cluster.FailedPods",
		Threshold:         0,
		Operator:          types.OperatorGreaterThan,
		TimeWindowMinutes: 60,
		Enabled:           true,
		Dimensions:        map[string]string{"namespace": "testexec-acme"},
	}, &now)

	// missing dimension does not match
	manager.EvaluateMetric(ctx, "Cluster.FailedPods", 3, nil)
	assert.Zero(t, notifier.count())

	// mismatched dimension does not match
	manager.EvaluateMetric(ctx, "Cluster.FailedPods", 3,
		map[string]string{"namespace": "testexec-globex"})
	assert.Zero(t, notifier.count())

	// exact dimension matches
	manager.EvaluateMetric(ctx, "Cluster.FailedPods", 3,
		map[string]string{"namespace": "testexec-acme"})
	assert.Equal(t, 1, notifier.count())
}

func TestEvaluateMetricCooldown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	manager, notifier := newManager(policy.AlertRule{
		ID:                "rule",
		Metric:            "TestExecution.Duration",
		Threshold:         60,
		Operator:          types.OperatorGreaterThan,
		TimeWindowMinutes: 60,
		Severity:          types.SeverityCritical,
		Enabled:           true,
	}, &now)

	manager.EvaluateMetric(ctx, "TestExecution.Duration", 120, nil)
	require.Equal(t, 1, notifier.count())

	// within window/2 the alert storm is deduplicated
	now = now.Add(29 * time.Minute)
	manager.EvaluateMetric(ctx, "TestExecution.Duration", 120, nil)
	assert.Equal(t, 1, notifier.count())

	// after window/2 it fires again
	now = now.Add(2 * time.Minute)
	manager.EvaluateMetric(ctx, "TestExecution.Duration", 120, nil)
	assert.Equal(t, 2, notifier.count())
}

func TestEvaluateMetricCooldownIsPerDimensions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	manager, notifier := newManager(policy.AlertRule{
		ID:                "rule",
		Metric:            "TestExecution.Failed",
		Threshold:         0,
		Operator:          types.OperatorGreaterThan,
		TimeWindowMinutes: 60,
		Enabled:           true,
	}, &now)

	manager.EvaluateMetric(ctx, "TestExecution.Failed", 1,
		map[string]string{"lob_id": "acme"})
	manager.EvaluateMetric(ctx, "TestExecution.Failed", 1,
		map[string]string{"lob_id": "globex"})

	assert.Equal(t, 2, notifier.count())
}
