// anomaly_repository.go implements AnomalyRepository for detection records.
// One record exists per flagged event (enforced by a unique index); only the
// human-feedback fields and the alert acknowledgment are mutable afterwards.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

// AnomalyRepository handles anomaly record database operations
type AnomalyRepository struct {
	db *sqlx.DB
}

// NewAnomalyRepository creates a new AnomalyRepository
func NewAnomalyRepository(db *sqlx.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// Create inserts a detection record. Duplicate detections for the same event
// are swallowed (ON CONFLICT DO NOTHING) so a re-run sweep cannot double-record;
// returns false when the record already existed.
func (r *AnomalyRepository) Create(ctx context.Context, rec *models.AnomalyRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.DetectionTimestamp.IsZero() {
		rec.DetectionTimestamp = time.Now().UTC()
	}
	features := rec.FeaturesUsed
	if features == nil {
		features = map[string]float64{}
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return false, fmt.Errorf("marshal features: %w", err)
	}
	explanation := rec.Explanation
	if explanation == nil {
		explanation = []models.FeatureAttribution{}
	}
	explanationJSON, err := json.Marshal(explanation)
	if err != nil {
		return false, fmt.Errorf("marshal explanation: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO anomaly_records (
			id, event_id, tenant_id, anomaly_score, detection_timestamp,
			features_used, explanation, model_version, alert_sent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, rec.TenantID, rec.AnomalyScore, rec.DetectionTimestamp,
		featuresJSON, explanationJSON, rec.ModelVersion, rec.AlertSent)
	if err != nil {
		return false, fmt.Errorf("create anomaly record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const anomalyColumns = `id, event_id, tenant_id, anomaly_score, detection_timestamp,
	features_used, explanation, model_version, is_false_positive, feedback_notes, alert_sent, created_at`

func scanAnomaly(row rowScanner) (*models.AnomalyRecord, error) {
	rec := &models.AnomalyRecord{}
	var features, explanation []byte
	err := row.Scan(
		&rec.ID, &rec.EventID, &rec.TenantID, &rec.AnomalyScore, &rec.DetectionTimestamp,
		&features, &explanation, &rec.ModelVersion, &rec.IsFalsePositive, &rec.FeedbackNotes,
		&rec.AlertSent, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &rec.FeaturesUsed); err != nil {
			return nil, fmt.Errorf("unmarshal features for %s: %w", rec.ID, err)
		}
	}
	if len(explanation) > 0 {
		if err := json.Unmarshal(explanation, &rec.Explanation); err != nil {
			return nil, fmt.Errorf("unmarshal explanation for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// GetByEventID returns the detection record for an event, or nil when the
// event was never flagged. Tenant-scoped like every read.
func (r *AnomalyRepository) GetByEventID(ctx context.Context, scope tenant.Scope, eventID string) (*models.AnomalyRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_records WHERE tenant_id = $1 AND event_id = $2`,
		scope.TenantID, eventID)
	rec, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly record: %w", err)
	}
	return rec, nil
}

// List returns a tenant's detection records in a time window, newest first.
func (r *AnomalyRepository) List(ctx context.Context, scope tenant.Scope, from, to time.Time, limit, offset int) ([]*models.AnomalyRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomaly_records
		WHERE tenant_id = $1 AND detection_timestamp >= $2 AND detection_timestamp <= $3
		ORDER BY detection_timestamp DESC LIMIT $4 OFFSET $5`,
		scope.TenantID, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list anomaly records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.AnomalyRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAnomaly(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordFeedback stores a reviewer's verdict. The score and feature snapshot
// stay untouched; feedback only annotates the record.
func (r *AnomalyRepository) RecordFeedback(ctx context.Context, scope tenant.Scope, recordID string, fb models.AnomalyFeedback) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE anomaly_records SET is_false_positive = $1, feedback_notes = $2
		WHERE tenant_id = $3 AND id = $4`,
		fb.IsFalsePositive, fb.Notes, scope.TenantID, recordID)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkAlertSent acknowledges that the alert for a record was delivered.
func (r *AnomalyRepository) MarkAlertSent(ctx context.Context, tenantID, recordID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE anomaly_records SET alert_sent = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenantID, recordID)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// FalsePositiveRate returns the confirmed false positive share among a
// tenant's reviewed detections in the window. Feeds retraining decisions.
func (r *AnomalyRepository) FalsePositiveRate(ctx context.Context, tenantID string, since time.Time) (rate float64, reviewed int, err error) {
	var falsePositives int
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE is_false_positive), COUNT(*)
		FROM anomaly_records
		WHERE tenant_id = $1 AND detection_timestamp >= $2 AND feedback_notes IS NOT NULL`,
		tenantID, since).Scan(&falsePositives, &reviewed)
	if err != nil {
		return 0, 0, fmt.Errorf("false positive rate: %w", err)
	}
	if reviewed == 0 {
		return 0, 0, nil
	}
	return float64(falsePositives) / float64(reviewed), reviewed, nil
}
