// model_repository.go implements ModelRepository for versioned model metadata.
// Activation is a transactional swap (deactivate the old row, insert the new
// one active); a partial unique index guarantees at most one active model per
// (type, tenant) even if two trainers race.
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
)

// ModelRepository handles model metadata database operations
type ModelRepository struct {
	db *sqlx.DB
}

// NewModelRepository creates a new ModelRepository
func NewModelRepository(db *sqlx.DB) *ModelRepository {
	return &ModelRepository{db: db}
}

const modelColumns = `id, model_type, version, training_date, training_set_size,
	metrics, tenant_id, active, state, created_at`

func scanModel(row rowScanner) (*models.ModelMetadata, error) {
	m := &models.ModelMetadata{}
	var (
		metrics []byte
		state   string
		mtype   string
	)
	err := row.Scan(
		&m.ID, &mtype, &m.Version, &m.TrainingDate, &m.TrainingSetSize,
		&metrics, &m.TenantID, &m.Active, &state, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ModelType = models.ModelType(mtype)
	m.State = models.ModelState(state)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// ActivateNewVersion records a completed training run and makes it the active
// model for its (type, tenant) slot in one transaction. The version number is
// the predecessor's plus one. Scoring keeps using the old model until the
// commit lands; there is no window with zero active models visible to readers
// inside the transaction boundary.
func (r *ModelRepository) ActivateNewVersion(ctx context.Context, m *models.ModelMetadata) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.TrainingDate.IsZero() {
		m.TrainingDate = time.Now().UTC()
	}
	m.Active = true
	m.State = models.ModelTrained

	metricsJSON, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback()

	var prevVersion sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		UPDATE model_metadata SET active = FALSE
		WHERE model_type = $1 AND COALESCE(tenant_id, '') = COALESCE($2, '') AND active
		RETURNING version`,
		string(m.ModelType), m.TenantID).Scan(&prevVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("deactivate previous model: %w", err)
	}
	m.Version = int(prevVersion.Int64) + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_metadata (
			id, model_type, version, training_date, training_set_size,
			metrics, tenant_id, active, state
		) VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8)`,
		m.ID, string(m.ModelType), m.Version, m.TrainingDate, m.TrainingSetSize,
		metricsJSON, m.TenantID, string(m.State))
	if err != nil {
		return fmt.Errorf("insert model metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activation: %w", err)
	}
	return nil
}

// GetActive returns the active model for a (type, tenant) slot. tenantID nil
// selects the shared baseline. Returns nil, nil when the slot has never been
// trained.
func (r *ModelRepository) GetActive(ctx context.Context, modelType models.ModelType, tenantID *string) (*models.ModelMetadata, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+modelColumns+` FROM model_metadata
		WHERE model_type = $1 AND COALESCE(tenant_id, '') = COALESCE($2, '') AND active`,
		string(modelType), tenantID)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active model: %w", err)
	}
	return m, nil
}

// SetState transitions the active model's lifecycle state in place. Used to
// mark models stale and to flag in-progress retraining.
func (r *ModelRepository) SetState(ctx context.Context, modelType models.ModelType, tenantID *string, state models.ModelState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE model_metadata SET state = $1
		WHERE model_type = $2 AND COALESCE(tenant_id, '') = COALESCE($3, '') AND active`,
		string(state), string(modelType), tenantID)
	if err != nil {
		return fmt.Errorf("set model state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// History returns all versions for a (type, tenant) slot, newest first.
func (r *ModelRepository) History(ctx context.Context, modelType models.ModelType, tenantID *string, limit int) ([]*models.ModelMetadata, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+modelColumns+` FROM model_metadata
		WHERE model_type = $1 AND COALESCE(tenant_id, '') = COALESCE($2, '')
		ORDER BY version DESC LIMIT $3`,
		string(modelType), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("model history: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ModelMetadata, 0, limit)
	for rows.Next() {
		m, scanErr := scanModel(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListStale returns active models whose training date is older than the
// cutoff and which are not already retraining. Drives the retrain sweep.
func (r *ModelRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.ModelMetadata, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+modelColumns+` FROM model_metadata
		WHERE active AND training_date < $1 AND state <> $2
		ORDER BY training_date ASC`,
		cutoff, string(models.ModelRetraining))
	if err != nil {
		return nil, fmt.Errorf("list stale models: %w", err)
	}
	defer rows.Close()

	var out []*models.ModelMetadata
	for rows.Next() {
		m, scanErr := scanModel(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
