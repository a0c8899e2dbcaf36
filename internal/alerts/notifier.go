// notifier.go defines how alerts leave the system. Alerts are immutable
// records consumed by security reviewers, so delivery is routed through a
// Notifier interface with webhook and log implementations; a failed delivery
// leaves the alert unsent in the store for the retry pass rather than losing
// it.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/projectpulse/audit-engine/internal/db/models"
)

// Notifier delivers alerts to an external destination.
type Notifier interface {
	// Notify sends one alert. An error leaves the alert queued for retry.
	Notify(ctx context.Context, alert *models.Alert) error
}

// LogNotifier writes alerts to the structured log. The default destination
// when no webhook is configured; delivery always succeeds.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, alert *models.Alert) error {
	n.logger.Warn("anomaly alert",
		"alert_id", alert.ID,
		"tenant_id", alert.TenantID,
		"event_id", alert.EventID,
		"severity", alert.Severity,
		"review_required", alert.ReviewRequired,
		"message", alert.Message)
	return nil
}

// WebhookNotifier posts alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	http    *http.Client
}

// NewWebhookNotifier creates a webhook notifier. timeout bounds each
// delivery attempt.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		http:    &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
