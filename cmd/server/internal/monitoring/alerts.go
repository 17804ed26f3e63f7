package monitoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/monitoring"

var tracer = otel.Tracer(name)
var meter = otel.Meter(name)

const equalityTolerance = 1e-4
const recentAlertMaxAge = 24 * time.Hour

// AlertManager evaluates metric samples against the admin alert rules and
// dispatches notifications with a per-(rule, dimensions) cooldown of half
// the rule's window.
type AlertManager struct {
	policy   policy.Reader
	notifier Notifier
	now      func() time.Time
	recent   map[string]time.Time
	mu       sync.Mutex
}

func NewAlertManager(policyStore policy.Reader, notifier Notifier) *AlertManager {
	return &AlertManager{
		policy:   policyStore,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		recent:   map[string]time.Time{},
	}
}

// NewAlertManagerWithClock is for tests that need to control the cooldown.
func NewAlertManagerWithClock(
	policyStore policy.Reader,
	notifier Notifier,
	now func() time.Time,
) *AlertManager {
	return &AlertManager{
		policy:   policyStore,
		notifier: notifier,
		now:      now,
		recent:   map[string]time.Time{},
	}
}

func ruleMatches(rule *policy.AlertRule, metricName string, dimensions map[string]string) bool {
	if !rule.Enabled || rule.Metric != metricName {
		return false
	}

	for key, want := range rule.Dimensions {
		if got, ok := dimensions[key]; !ok || got != want {
			return false
		}
	}

	return true
}

func ruleViolated(rule *policy.AlertRule, value float64) bool {
	switch rule.Operator {
	case types.OperatorGreaterThan:
		return value > rule.Threshold
	case types.OperatorLessThan:
		return value < rule.Threshold
	case types.OperatorEquals:
		return math.Abs(value-rule.Threshold) < equalityTolerance
	default:
		return false
	}
}

func alertKey(ruleID string, dimensions map[string]string) string {
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ruleID)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(dimensions[k])
	}

	return b.String()
}

// inCooldown registers the alert as sent when it is not cooling down.
func (m *AlertManager) inCooldown(key string, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// opportunistic prune
	for k, at := range m.recent {
		if now.Sub(at) > recentAlertMaxAge {
			delete(m.recent, k)
		}
	}

	if at, ok := m.recent[key]; ok && now.Sub(at) < window/2 {
		return true
	}

	m.recent[key] = now
	return false
}

// EvaluateMetric tests a sample against every matching rule and sends the
// violations that are not cooling down.
func (m *AlertManager) EvaluateMetric(
	ctx context.Context,
	metricName string,
	value float64,
	dimensions map[string]string,
) {
	ctx, span := tracer.Start(ctx, "AlertManager.EvaluateMetric", trace.WithAttributes(
		attribute.String("metric", metricName),
		attribute.Float64("value", value),
	))
	defer span.End()

	admin, err := m.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		logger.Logger.WarnContext(ctx, "skipping alert evaluation, no admin config",
			"error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load alert rules")
		return
	}

	for i := range admin.Alerts.Rules {
		rule := &admin.Alerts.Rules[i]
		if !ruleMatches(rule, metricName, dimensions) {
			continue
		}
		if !ruleViolated(rule, value) {
			continue
		}

		window := time.Duration(rule.TimeWindowMinutes) * time.Minute
		key := alertKey(rule.ID, dimensions)
		if m.inCooldown(key, window) {
			span.AddEvent("alert_cooldown", trace.WithAttributes(
				attribute.String("rule.id", rule.ID),
			))
			continue
		}

		title := rule.Name
		if title == "" {
			title = rule.Metric
		}
		message := fmt.Sprintf(
			"%s: metric %s value %.4f violated threshold %s %.4f",
			rule.Description, metricName, value, rule.Operator, rule.Threshold,
		)

		if err := m.notifier.SendNotification(ctx, title, message, rule.Severity, dimensions); err != nil {
			logger.Logger.WarnContext(ctx, "failed to dispatch alert",
				"rule", rule.ID, "error", err)
			span.AddEvent("dispatch_failed")
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "evaluated metric")
}
