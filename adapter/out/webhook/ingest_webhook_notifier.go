// Package webhook delivers status notifications to user-configured
// endpoints.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/httputil"
	"ingest_server/pkg/logger"
)

// Notifier implements out.Notifier. Delivery is best-effort with
// bounded retries; a failed webhook never fails the workflow that
// emitted the event.
type Notifier struct {
	settings   out.SettingsRepository
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
}

// NotifierConfig holds delivery defaults, overridable per user.
type NotifierConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// NewNotifier creates a new Notifier.
func NewNotifier(settings out.SettingsRepository, cfg NotifierConfig) *Notifier {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Notifier{
		settings:   settings,
		client:     httputil.WebhookClient(),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        logger.Default().WithField("component", "webhook"),
	}
}

// Notify renders and delivers one status event if the user's webhook
// config wants it.
func (n *Notifier) Notify(ctx context.Context, event out.StatusEvent) {
	settings, err := n.settings.Get(ctx, event.UserID)
	if err != nil {
		n.log.WithField("user_id", event.UserID).Warn("failed to load settings for notification: %v", err)
		return
	}
	cfg := settings.Webhook
	if cfg == nil || cfg.URL == "" {
		return
	}
	if !cfg.WantsEvent(event.NewStatus) {
		return
	}

	payload, err := renderPayload(cfg, event)
	if err != nil {
		n.log.WithField("user_id", event.UserID).Error("failed to render notification: %v", err)
		return
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = n.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = n.deliver(ctx, cfg, payload); lastErr == nil {
			return
		}
		n.log.WithFields(map[string]any{
			"user_id":  event.UserID,
			"email_id": event.EmailID,
		}).Warn("webhook delivery attempt %d/%d failed: %v", attempt, maxRetries, lastErr)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.retryDelay):
			}
		}
	}
	n.log.WithField("email_id", event.EmailID).Error("webhook delivery gave up: %v", lastErr)
}

func (n *Notifier) deliver(ctx context.Context, cfg *domain.WebhookConfig, payload []byte) error {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// Providers
// =============================================================================

// renderPayload builds the provider-specific request body. Unknown
// providers fall back to the card format.
func renderPayload(cfg *domain.WebhookConfig, event out.StatusEvent) ([]byte, error) {
	switch cfg.Provider {
	case "slack":
		return renderSlack(cfg, event)
	default:
		return renderCard(cfg, event)
	}
}

// renderCard builds the default card payload.
func renderCard(cfg *domain.WebhookConfig, event out.StatusEvent) ([]byte, error) {
	color := "green"
	if event.NewStatus == domain.StatusFailed {
		color = "red"
	}
	return json.Marshal(map[string]string{
		"title":    cardTitle(cfg.Language, event.NewStatus),
		"markdown": cardBody(event),
		"color":    color,
	})
}

// renderSlack builds a Slack incoming-webhook payload.
func renderSlack(cfg *domain.WebhookConfig, event out.StatusEvent) ([]byte, error) {
	return json.Marshal(map[string]any{
		"text": cardTitle(cfg.Language, event.NewStatus),
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": cardBody(event),
				},
			},
		},
	})
}

func cardTitle(language string, status domain.EmailStatus) string {
	if language == "ko" {
		if status == domain.StatusFailed {
			return "이메일 처리 실패"
		}
		return "이메일 처리 완료"
	}
	if status == domain.StatusFailed {
		return "Email processing failed"
	}
	return "Email processing completed"
}

func cardBody(event out.StatusEvent) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "**%s**\n", event.Subject)
	if event.Summary != "" {
		fmt.Fprintf(&b, "%s\n", event.Summary)
	}
	if event.IssueURL != "" {
		fmt.Fprintf(&b, "Issue: %s\n", event.IssueURL)
	}
	if event.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", event.Error)
	}
	fmt.Fprintf(&b, "Status: %s", event.NewStatus)
	return b.String()
}

// Ensure Notifier implements out.Notifier
var _ out.Notifier = (*Notifier)(nil)
