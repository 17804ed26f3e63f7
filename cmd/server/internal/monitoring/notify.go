package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

// Notifier fans an alert out to the configured transports.
type Notifier interface {
	SendNotification(
		ctx context.Context,
		title, message string,
		severity types.AlertSeverity,
		dimensions map[string]string,
	) error
}

var severityRank = map[types.AlertSeverity]int{
	types.SeverityInformation: 0,
	types.SeverityWarning:     1,
	types.SeverityCritical:    2,
}

func severityAtLeast(severity, minimum types.AlertSeverity) bool {
	return severityRank[severity] >= severityRank[minimum]
}

func severityLogLevel(severity types.AlertSeverity) slog.Level {
	switch severity {
	case types.SeverityCritical:
		return slog.LevelError
	case types.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

const sendGridSendURL = "https://api.sendgrid.com/v3/mail/send"

// Dispatcher delivers alerts via slog, SendGrid mail and webhook POSTs.
// Transport failures are logged and never fail the caller.
type Dispatcher struct {
	policy         policy.Reader
	client         *retryablehttp.Client
	sendGridAPIKey string
	senderEmail    string
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(policyStore policy.Reader, sendGridAPIKey, senderEmail string) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil

	return &Dispatcher{
		policy:         policyStore,
		client:         client,
		sendGridAPIKey: sendGridAPIKey,
		senderEmail:    senderEmail,
	}
}

type webhookPayload struct {
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (d *Dispatcher) SendNotification(
	ctx context.Context,
	title, message string,
	severity types.AlertSeverity,
	dimensions map[string]string,
) error {
	ctx, span := tracer.Start(ctx, "Dispatcher.SendNotification", trace.WithAttributes(
		attribute.String("title", title),
		attribute.String("severity", string(severity)),
	))
	defer span.End()

	logger.Logger.Log(ctx, severityLogLevel(severity), "alert",
		"title", title,
		"message", message,
		"severity", severity,
		"dimensions", dimensions,
	)

	settings, err := d.notificationSettings(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load notification settings")
		return err
	}

	if settings.EmailEnabled && severityAtLeast(severity, settings.EmailMinimumSeverity) {
		if err := d.sendEmail(ctx, settings, title, message, severity); err != nil {
			logger.Logger.WarnContext(ctx, "failed to send alert email", "error", err)
			span.AddEvent("email_failed")
		}
	}

	if settings.WebhookEnabled {
		payload := webhookPayload{
			Title:      title,
			Message:    message,
			Severity:   string(severity),
			Dimensions: dimensions,
			Timestamp:  time.Now().UTC(),
		}
		for _, url := range settings.WebhookURLs {
			if err := d.postWebhook(ctx, url, payload); err != nil {
				logger.Logger.WarnContext(ctx, "failed to post alert webhook",
					"url", url, "error", err)
				span.AddEvent("webhook_failed", trace.WithAttributes(
					attribute.String("url", url),
				))
			}
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "dispatched notification")
	return nil
}

func (d *Dispatcher) notificationSettings(
	ctx context.Context,
) (*policy.NotificationSettings, error) {
	admin, err := d.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		return nil, err
	}

	return &admin.Alerts.Notifications, nil
}

type sendGridMail struct {
	Personalizations []struct {
		To []map[string]string `json:"to"`
	} `json:"personalizations"`
	From    map[string]string   `json:"from"`
	Subject string              `json:"subject"`
	Content []map[string]string `json:"content"`
}

func (d *Dispatcher) sendEmail(
	ctx context.Context,
	settings *policy.NotificationSettings,
	title, message string,
	severity types.AlertSeverity,
) error {
	if d.sendGridAPIKey == "" || len(settings.EmailRecipients) == 0 {
		return nil
	}

	mail := sendGridMail{
		From:    map[string]string{"email": d.senderEmail},
		Subject: fmt.Sprintf("[%s] %s", severity, title),
		Content: []map[string]string{
			{"type": "text/plain", "value": message},
		},
	}
	to := make([]map[string]string, 0, len(settings.EmailRecipients))
	for _, recipient := range settings.EmailRecipients {
		to = append(to, map[string]string{"email": recipient})
	}
	mail.Personalizations = []struct {
		To []map[string]string `json:"to"`
	}{{To: to}}

	body, err := json.Marshal(mail)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		sendGridSendURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.sendGridAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}

	return nil
}

func (d *Dispatcher) postWebhook(ctx context.Context, url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
