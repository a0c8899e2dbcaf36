// alert_repository.go implements AlertRepository for anomaly alerts and bias
// alerts. Alerts are write-once apart from the delivery acknowledgment.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

// AlertRepository handles alert database operations
type AlertRepository struct {
	db *sqlx.DB
}

// NewAlertRepository creates a new AlertRepository
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, tenant_id, anomaly_record_id, event_id, severity, message, review_required, sent, sent_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.TenantID, a.AnomalyRecordID, a.EventID, string(a.Severity),
		a.Message, a.ReviewRequired, a.Sent, a.SentAt)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// MarkSent records successful delivery.
func (r *AlertRepository) MarkSent(ctx context.Context, tenantID, alertID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET sent = TRUE, sent_at = $1 WHERE tenant_id = $2 AND id = $3`,
		at, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

const alertColumns = `id, tenant_id, anomaly_record_id, event_id, severity, message,
	review_required, sent, sent_at, created_at`

func scanAlert(row rowScanner) (*models.Alert, error) {
	a := &models.Alert{}
	var severity string
	err := row.Scan(
		&a.ID, &a.TenantID, &a.AnomalyRecordID, &a.EventID, &severity, &a.Message,
		&a.ReviewRequired, &a.Sent, &a.SentAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	return a, nil
}

// List returns a tenant's alerts, newest first.
func (r *AlertRepository) List(ctx context.Context, scope tenant.Scope, limit, offset int) ([]*models.Alert, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		scope.TenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListUnsent returns undelivered alerts across all tenants, oldest first.
// Used by the delivery retry path.
func (r *AlertRepository) ListUnsent(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE NOT sent ORDER BY created_at ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list unsent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0, limit)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CreateBiasAlert records a detection-rate divergence finding.
func (r *AlertRepository) CreateBiasAlert(ctx context.Context, b *models.BiasAlert) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bias_alerts (
			id, group_dimension, window_start, window_end,
			max_group, max_rate, min_group, min_rate, gap
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.GroupDimension, b.WindowStart, b.WindowEnd,
		b.MaxGroup, b.MaxRate, b.MinGroup, b.MinRate, b.Gap)
	if err != nil {
		return fmt.Errorf("create bias alert: %w", err)
	}
	return nil
}

// ListBiasAlerts returns bias findings in a window, newest first. Bias
// monitoring is platform-level, so there is no tenant scope here.
func (r *AlertRepository) ListBiasAlerts(ctx context.Context, from, to time.Time) ([]*models.BiasAlert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_dimension, window_start, window_end,
		       max_group, max_rate, min_group, min_rate, gap, created_at
		FROM bias_alerts
		WHERE window_end >= $1 AND window_start <= $2
		ORDER BY created_at DESC`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list bias alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.BiasAlert
	for rows.Next() {
		b := &models.BiasAlert{}
		err := rows.Scan(
			&b.ID, &b.GroupDimension, &b.WindowStart, &b.WindowEnd,
			&b.MaxGroup, &b.MaxRate, &b.MinGroup, &b.MinRate, &b.Gap, &b.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
