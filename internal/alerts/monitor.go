// Package alerts raises and delivers alerts for flagged anomalies and
// monitors detection-rate fairness across actor groups.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/telemetry"
)

// Monitor turns anomaly detections into alerts and handles their delivery.
type Monitor struct {
	alertRepo   *repositories.AlertRepository
	anomalyRepo *repositories.AnomalyRepository
	notifier    Notifier
	logger      *slog.Logger
}

// NewMonitor creates an alert monitor.
func NewMonitor(alertRepo *repositories.AlertRepository, anomalyRepo *repositories.AnomalyRepository, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{alertRepo: alertRepo, anomalyRepo: anomalyRepo, notifier: notifier, logger: logger}
}

// scoreSeverity maps an anomaly score band to an alert severity. The mapping
// is monotonic: a higher score never yields a lower severity.
func scoreSeverity(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.8:
		return models.SeverityError
	default:
		return models.SeverityWarning
	}
}

// RaiseAnomalyAlert creates and delivers the alert for a detection. The
// alert severity is the higher of the score band and the event's own
// severity. A delivery failure leaves the alert stored but unsent; the retry
// pass picks it up.
func (m *Monitor) RaiseAnomalyAlert(ctx context.Context, event *models.AuditEvent, rec *models.AnomalyRecord, reviewRequired bool) (*models.Alert, error) {
	alert := &models.Alert{
		TenantID:        rec.TenantID,
		AnomalyRecordID: rec.ID,
		EventID:         rec.EventID,
		Severity:        models.MaxSeverity(scoreSeverity(rec.AnomalyScore), event.Severity),
		Message:         alertMessage(event, rec),
		ReviewRequired:  reviewRequired,
	}
	if err := m.alertRepo.Create(ctx, alert); err != nil {
		return nil, err
	}

	m.deliver(ctx, alert)
	return alert, nil
}

func alertMessage(event *models.AuditEvent, rec *models.AnomalyRecord) string {
	subject := event.EventType
	if event.EntityType != nil && event.EntityID != nil {
		subject = fmt.Sprintf("%s on %s %s", event.EventType, *event.EntityType, *event.EntityID)
	}
	actor := "unknown actor"
	if event.ActingUser != nil {
		actor = *event.ActingUser
	}
	return fmt.Sprintf("anomalous activity: %s by %s (score %.2f, model %s)",
		subject, actor, rec.AnomalyScore, rec.ModelVersion)
}

// deliver attempts notification and records the outcome. Failures are logged
// and leave the alert queued.
func (m *Monitor) deliver(ctx context.Context, alert *models.Alert) {
	if err := m.notifier.Notify(ctx, alert); err != nil {
		telemetry.AlertNotificationsTotal.WithLabelValues("error").Inc()
		m.logger.Error("alert delivery failed", "alert_id", alert.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	if err := m.alertRepo.MarkSent(ctx, alert.TenantID, alert.ID, now); err != nil {
		m.logger.Error("alert sent but not acknowledged in store", "alert_id", alert.ID, "error", err)
		return
	}
	if err := m.anomalyRepo.MarkAlertSent(ctx, alert.TenantID, alert.AnomalyRecordID); err != nil {
		m.logger.Error("anomaly record sent-flag update failed", "alert_id", alert.ID, "error", err)
	}
	alert.Sent = true
	alert.SentAt = &now
	telemetry.AlertNotificationsTotal.WithLabelValues("success").Inc()
}

// RetryUnsent re-attempts delivery for queued alerts, oldest first.
func (m *Monitor) RetryUnsent(ctx context.Context, limit int) error {
	unsent, err := m.alertRepo.ListUnsent(ctx, limit)
	if err != nil {
		return err
	}
	for _, alert := range unsent {
		m.deliver(ctx, alert)
	}
	return nil
}
