package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	delivered []*models.Alert
	err       error
}

func (f *fakeNotifier) Notify(_ context.Context, a *models.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, a)
	return nil
}

func strPtr(s string) *string { return &s }

func newMonitor(t *testing.T, notifier Notifier) (*Monitor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	return NewMonitor(
		repositories.NewAlertRepository(sdb),
		repositories.NewAnomalyRepository(sdb),
		notifier, discardLogger()), mock
}

func sampleDetection() (*models.AuditEvent, *models.AnomalyRecord) {
	event := &models.AuditEvent{
		ID:         "evt-1",
		TenantID:   "tenant-a",
		EventType:  "permission.granted",
		ActingUser: strPtr("user-1"),
		EntityType: strPtr("project"),
		EntityID:   strPtr("proj-9"),
		Severity:   models.SeverityInfo,
		Timestamp:  time.Now(),
	}
	rec := &models.AnomalyRecord{
		ID:           "rec-1",
		EventID:      "evt-1",
		TenantID:     "tenant-a",
		AnomalyScore: 0.85,
		ModelVersion: "anomaly_detector/v3",
	}
	return event, rec
}

func TestScoreSeverityMapping(t *testing.T) {
	cases := []struct {
		score float64
		want  models.Severity
	}{
		{0.71, models.SeverityWarning},
		{0.80, models.SeverityError},
		{0.89, models.SeverityError},
		{0.90, models.SeverityCritical},
		{0.99, models.SeverityCritical},
	}
	for _, tc := range cases {
		if got := scoreSeverity(tc.score); got != tc.want {
			t.Errorf("scoreSeverity(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestScoreSeverity_Monotonic(t *testing.T) {
	prev := -1
	for score := 0.70; score <= 1.0; score += 0.01 {
		rank := scoreSeverity(score).Rank()
		if rank < prev {
			t.Fatalf("severity rank decreased at score %v", score)
		}
		prev = rank
	}
}

func TestRaiseAnomalyAlert_DeliversAndMarksSent(t *testing.T) {
	notifier := &fakeNotifier{}
	m, mock := newMonitor(t, notifier)

	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE alerts SET sent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE anomaly_records SET alert_sent").WillReturnResult(sqlmock.NewResult(0, 1))

	event, rec := sampleDetection()
	alert, err := m.RaiseAnomalyAlert(context.Background(), event, rec, true)
	if err != nil {
		t.Fatalf("RaiseAnomalyAlert: %v", err)
	}
	if !alert.Sent || alert.SentAt == nil {
		t.Error("alert should be marked sent after successful delivery")
	}
	if !alert.ReviewRequired {
		t.Error("ReviewRequired not carried through")
	}
	if len(notifier.delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", len(notifier.delivered))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRaiseAnomalyAlert_SeverityIsMaxOfBandAndEvent(t *testing.T) {
	notifier := &fakeNotifier{}
	m, mock := newMonitor(t, notifier)

	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE alerts SET sent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE anomaly_records SET alert_sent").WillReturnResult(sqlmock.NewResult(0, 1))

	// Score band says error (0.85), but the event itself is critical.
	event, rec := sampleDetection()
	event.Severity = models.SeverityCritical

	alert, err := m.RaiseAnomalyAlert(context.Background(), event, rec, false)
	if err != nil {
		t.Fatalf("RaiseAnomalyAlert: %v", err)
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("Severity = %q, want critical", alert.Severity)
	}
}

func TestRaiseAnomalyAlert_DeliveryFailureLeavesUnsent(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	m, mock := newMonitor(t, notifier)

	// Only the insert happens; no sent acknowledgments.
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))

	event, rec := sampleDetection()
	alert, err := m.RaiseAnomalyAlert(context.Background(), event, rec, false)
	if err != nil {
		t.Fatalf("RaiseAnomalyAlert: %v", err)
	}
	if alert.Sent {
		t.Error("alert should stay unsent when delivery fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRetryUnsent(t *testing.T) {
	notifier := &fakeNotifier{}
	m, mock := newMonitor(t, notifier)

	cols := []string{
		"id", "tenant_id", "anomaly_record_id", "event_id", "severity",
		"message", "review_required", "sent", "sent_at", "created_at",
	}
	mock.ExpectQuery("SELECT id.*FROM alerts WHERE NOT sent").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"alert-1", "tenant-a", "rec-1", "evt-1", "error",
			"queued alert", false, false, nil, time.Now(),
		))
	mock.ExpectExec("UPDATE alerts SET sent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE anomaly_records SET alert_sent").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.RetryUnsent(context.Background(), 10); err != nil {
		t.Fatalf("RetryUnsent: %v", err)
	}
	if len(notifier.delivered) != 1 {
		t.Errorf("delivered = %d, want 1", len(notifier.delivered))
	}
}
