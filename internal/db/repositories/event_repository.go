// event_repository.go implements EventRepository, the append-only persistence
// layer for hash-chained audit events. Appends are linearized per tenant by a
// conditional write on the chain_heads row: the transaction only commits when
// the head it read is still the head it replaces, so two racing writers can
// never both extend the same link. No update or delete of event rows is
// exposed anywhere; the only post-insert writes are the first-write-wins
// scoring and classification fill-ins.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/projectpulse/audit-engine/internal/crypto"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/hashchain"
	"github.com/projectpulse/audit-engine/internal/telemetry"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

var (
	// ErrChainConflict is returned when concurrent writers raced for the same
	// tenant's chain head and the bounded retry budget is exhausted.
	ErrChainConflict = errors.New("repositories: concurrent chain write conflict")
	// ErrBatchTooLarge is returned when a batch append exceeds the configured cap.
	ErrBatchTooLarge = errors.New("repositories: batch exceeds maximum size")
	// ErrEmptyBatch is returned for a batch append with no drafts.
	ErrEmptyBatch = errors.New("repositories: batch is empty")
	// ErrValidation is returned for malformed drafts or query parameters,
	// rejected before any store access.
	ErrValidation = errors.New("repositories: validation failed")
)

// EventRepository handles audit event database operations
type EventRepository struct {
	db           *sqlx.DB
	cipher       *crypto.FieldCipher
	maxRetries   int
	maxBatchSize int
}

// NewEventRepository creates a new EventRepository. maxRetries bounds how
// many times an append is retried after losing a chain-head race.
func NewEventRepository(db *sqlx.DB, cipher *crypto.FieldCipher, maxRetries, maxBatchSize int) *EventRepository {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if maxBatchSize < 1 || maxBatchSize > 1000 {
		maxBatchSize = 1000
	}
	return &EventRepository{db: db, cipher: cipher, maxRetries: maxRetries, maxBatchSize: maxBatchSize}
}

// EventFilters contains filters for querying audit events. The tenant is
// never part of the filters; it always comes from the authenticated scope.
type EventFilters struct {
	From       *time.Time
	To         *time.Time
	EventTypes []string
	ActingUser *string
	EntityType *string
	EntityID   *string
	Severities []models.Severity
	Categories []string
	RiskLevels []models.RiskLevel
}

// Validate rejects malformed filter values before they reach the store.
func (f *EventFilters) Validate() error {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return fmt.Errorf("%w: time range end before start", ErrValidation)
	}
	for _, s := range f.Severities {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown severity %q", ErrValidation, s)
		}
	}
	for _, r := range f.RiskLevels {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown risk level %q", ErrValidation, r)
		}
	}
	return nil
}

// Page controls pagination and ordering direction.
type Page struct {
	Limit      int
	Offset     int
	Descending bool
}

func validateDraft(d *models.EventDraft) error {
	if d.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if !d.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, d.Severity)
	}
	return nil
}

// Append atomically appends one event to the tenant's chain. The hash and
// previous_hash are computed inside the same transaction that claims the
// chain head, and the append is retried transparently (bounded) when a
// concurrent writer advanced the head between read and write.
func (r *EventRepository) Append(ctx context.Context, scope tenant.Scope, draft models.EventDraft) (*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateDraft(&draft); err != nil {
		return nil, err
	}

	var out *models.AuditEvent
	err := r.withChainHead(ctx, scope.TenantID, func(tx *sqlx.Tx, prevHash string) (string, error) {
		e, err := r.insertEvent(ctx, tx, scope.TenantID, draft, prevHash)
		if err != nil {
			return "", err
		}
		out = e
		return e.Hash, nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.EventsAppendedTotal.WithLabelValues("single").Inc()
	return out, nil
}

// AppendBatch appends up to maxBatchSize events in one transaction: the whole
// batch commits or none of it does, and the chain is extended sequentially in
// input order exactly as if each event were appended one at a time.
func (r *EventRepository) AppendBatch(ctx context.Context, scope tenant.Scope, drafts []models.EventDraft) ([]*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(drafts) > r.maxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(drafts), r.maxBatchSize)
	}
	for i := range drafts {
		if err := validateDraft(&drafts[i]); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	var out []*models.AuditEvent
	err := r.withChainHead(ctx, scope.TenantID, func(tx *sqlx.Tx, prevHash string) (string, error) {
		out = out[:0]
		prev := prevHash
		for i := range drafts {
			e, err := r.insertEvent(ctx, tx, scope.TenantID, drafts[i], prev)
			if err != nil {
				return "", fmt.Errorf("draft %d: %w", i, err)
			}
			prev = e.Hash
			out = append(out, e)
		}
		return prev, nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.EventsAppendedTotal.WithLabelValues("batch").Add(float64(len(out)))
	return out, nil
}

// withChainHead runs fn inside a transaction that atomically advances the
// tenant's chain head from the hash fn links against to the hash fn returns.
// The conditional UPDATE (head must still equal what we read) is the
// serialization point; losing the race rolls back and retries with a fresh
// head, up to the configured budget.
func (r *EventRepository) withChainHead(ctx context.Context, tenantID string, fn func(tx *sqlx.Tx, prevHash string) (string, error)) error {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		conflict, err := r.tryChainedWrite(ctx, tenantID, fn)
		if err != nil {
			return err
		}
		if !conflict {
			return nil
		}
		telemetry.ChainConflictRetriesTotal.Inc()
	}
	return ErrChainConflict
}

func (r *EventRepository) tryChainedWrite(ctx context.Context, tenantID string, fn func(tx *sqlx.Tx, prevHash string) (string, error)) (conflict bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() {
		if err != nil || conflict {
			_ = tx.Rollback()
		}
	}()

	var prevHash string
	headExists := true
	row := tx.QueryRowContext(ctx, `SELECT head_hash FROM chain_heads WHERE tenant_id = $1`, tenantID)
	if scanErr := row.Scan(&prevHash); scanErr == sql.ErrNoRows {
		headExists = false
		prevHash = hashchain.GenesisHash
	} else if scanErr != nil {
		return false, fmt.Errorf("read chain head: %w", scanErr)
	}

	newHead, err := fn(tx, prevHash)
	if err != nil {
		return false, err
	}

	if headExists {
		res, updErr := tx.ExecContext(ctx,
			`UPDATE chain_heads SET head_hash = $1, head_seq = head_seq + 1, updated_at = now()
			 WHERE tenant_id = $2 AND head_hash = $3`,
			newHead, tenantID, prevHash)
		if updErr != nil {
			return false, fmt.Errorf("advance chain head: %w", updErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Someone else advanced the head since we read it.
			return true, nil
		}
	} else {
		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO chain_heads (tenant_id, head_hash, head_seq) VALUES ($1, $2, 1)
			 ON CONFLICT (tenant_id) DO NOTHING`,
			tenantID, newHead)
		if insErr != nil {
			return false, fmt.Errorf("create chain head: %w", insErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Another writer created the genesis link first.
			return true, nil
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit append: %w", err)
	}
	return false, nil
}

// insertEvent seals sensitive fields, computes the content digest over the
// plaintext canonical form, and inserts the row. Must run inside the chain
// head transaction.
func (r *EventRepository) insertEvent(ctx context.Context, tx *sqlx.Tx, tenantID string, draft models.EventDraft, prevHash string) (*models.AuditEvent, error) {
	ts := draft.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	// TIMESTAMPTZ keeps microseconds; hashing anything finer would make every
	// re-read of the row recompute a different digest.
	ts = ts.UTC().Truncate(time.Microsecond)

	e := &models.AuditEvent{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		EventType:       draft.EventType,
		ActingUser:      draft.ActingUser,
		ActorRole:       draft.ActorRole,
		ActorDepartment: draft.ActorDepartment,
		EntityType:      draft.EntityType,
		EntityID:        draft.EntityID,
		ActionDetails:   draft.ActionDetails,
		Severity:        draft.Severity,
		IPAddress:       draft.IPAddress,
		UserAgent:       draft.UserAgent,
		Timestamp:       ts,
		PreviousHash:    prevHash,
	}
	e.Hash = hashchain.Compute(hashchain.FieldsFromEvent(e))

	detailsEnc, err := r.cipher.SealJSON(e.ActionDetails)
	if err != nil {
		return nil, fmt.Errorf("seal action_details: %w", err)
	}
	ipEnc, err := r.cipher.Seal(deref(e.IPAddress))
	if err != nil {
		return nil, fmt.Errorf("seal ip_address: %w", err)
	}
	uaEnc, err := r.cipher.Seal(deref(e.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("seal user_agent: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events (
			id, tenant_id, event_type, acting_user, actor_role, actor_department,
			entity_type, entity_id, action_details_enc, ip_address_enc, user_agent_enc,
			severity, ts, hash, previous_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING seq, created_at`,
		e.ID, e.TenantID, e.EventType, e.ActingUser, e.ActorRole, e.ActorDepartment,
		e.EntityType, e.EntityID, detailsEnc, ipEnc, uaEnc,
		string(e.Severity), e.Timestamp, e.Hash, e.PreviousHash,
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const eventColumns = `id, tenant_id, event_type, acting_user, actor_role, actor_department,
	entity_type, entity_id, action_details_enc, ip_address_enc, user_agent_enc,
	severity, ts, seq, anomaly_score, is_anomaly, category, risk_level, tags, hash, previous_hash, created_at`

// Query retrieves events for the scoped tenant with optional filters and
// pagination. Ordering is by timestamp with insertion sequence breaking ties;
// direction is configurable. Returns the events and the total match count.
func (r *EventRepository) Query(ctx context.Context, scope tenant.Scope, filters EventFilters, page Page) ([]*models.AuditEvent, int, error) {
	if err := scope.Validate(); err != nil {
		return nil, 0, err
	}
	if err := filters.Validate(); err != nil {
		return nil, 0, err
	}

	where, args := buildEventWhere(scope.TenantID, filters)

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_events ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	dir := "ASC"
	if page.Descending {
		dir = "DESC"
	}
	limit := page.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY ts %s, seq %s LIMIT $%d OFFSET $%d`,
		eventColumns, where, dir, dir, len(args)+1, len(args)+2)
	args = append(args, limit, page.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		e, scanErr := r.scanEvent(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// buildEventWhere assembles the WHERE clause. The tenant predicate is always
// first and never optional; tenant isolation is enforced here, at the lowest
// data-access layer, regardless of what the caller passed in the filters.
func buildEventWhere(tenantID string, f EventFilters) (string, []interface{}) {
	clauses := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}

	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts <= $%d", *f.To)
	}
	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", pq.Array(f.EventTypes))
	}
	if f.ActingUser != nil {
		add("acting_user = $%d", *f.ActingUser)
	}
	if f.EntityType != nil {
		add("entity_type = $%d", *f.EntityType)
	}
	if f.EntityID != nil {
		add("entity_id = $%d", *f.EntityID)
	}
	if len(f.Severities) > 0 {
		vals := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			vals[i] = string(s)
		}
		add("severity = ANY($%d)", pq.Array(vals))
	}
	if len(f.Categories) > 0 {
		add("category = ANY($%d)", pq.Array(f.Categories))
	}
	if len(f.RiskLevels) > 0 {
		vals := make([]string, len(f.RiskLevels))
		for i, rl := range f.RiskLevels {
			vals[i] = string(rl)
		}
		add("risk_level = ANY($%d)", pq.Array(vals))
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *EventRepository) scanEvent(row rowScanner) (*models.AuditEvent, error) {
	e := &models.AuditEvent{}
	var (
		detailsEnc, ipEnc, uaEnc sql.NullString
		severity                 string
		risk                     sql.NullString
		tags                     pq.StringArray
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.EventType, &e.ActingUser, &e.ActorRole, &e.ActorDepartment,
		&e.EntityType, &e.EntityID, &detailsEnc, &ipEnc, &uaEnc,
		&severity, &e.Timestamp, &e.Seq, &e.AnomalyScore, &e.IsAnomaly,
		&e.Category, &risk, &tags, &e.Hash, &e.PreviousHash, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Severity = models.Severity(severity)
	if risk.Valid {
		rl := models.RiskLevel(risk.String)
		e.RiskLevel = &rl
	}
	e.Tags = []string(tags)

	if detailsEnc.Valid {
		details, openErr := r.cipher.OpenJSON(detailsEnc.String)
		if openErr != nil {
			return nil, fmt.Errorf("open action_details for %s: %w", e.ID, openErr)
		}
		e.ActionDetails = details
	}
	if ipEnc.Valid && ipEnc.String != "" {
		ip, openErr := r.cipher.Open(ipEnc.String)
		if openErr != nil {
			return nil, fmt.Errorf("open ip_address for %s: %w", e.ID, openErr)
		}
		e.IPAddress = &ip
	}
	if uaEnc.Valid && uaEnc.String != "" {
		ua, openErr := r.cipher.Open(uaEnc.String)
		if openErr != nil {
			return nil, fmt.Errorf("open user_agent for %s: %w", e.ID, openErr)
		}
		e.UserAgent = &ua
	}
	return e, nil
}

// GetByID retrieves a single event scoped to the tenant. Returns nil, nil
// when no such event exists within the tenant.
func (r *EventRepository) GetByID(ctx context.Context, scope tenant.Scope, eventID string) (*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID, eventID)
	e, err := r.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// PredecessorHash returns the hash of the event immediately preceding the
// given sequence number within the tenant, or the genesis constant when the
// position is the start of the chain. Used to anchor range verification.
// Chain position is sequence order (append order), not timestamp order:
// callers may backdate event timestamps, the chain links never reorder.
func (r *EventRepository) PredecessorHash(ctx context.Context, scope tenant.Scope, beforeSeq int64) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	var hash string
	err := r.db.QueryRowContext(ctx, `
		SELECT hash FROM audit_events
		WHERE tenant_id = $1 AND seq < $2
		ORDER BY seq DESC LIMIT 1`,
		scope.TenantID, beforeSeq).Scan(&hash)
	if err == sql.ErrNoRows {
		return hashchain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("predecessor hash: %w", err)
	}
	return hash, nil
}

// ChainSlice returns up to limit events after the given sequence number in
// chain order, which is sequence order regardless of event timestamps. Used
// by chain verification to walk a tenant's chain in bounded chunks.
func (r *EventRepository) ChainSlice(ctx context.Context, scope tenant.Scope, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE tenant_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		scope.TenantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("chain slice: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0, limit)
	for rows.Next() {
		e, scanErr := r.scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListUnscored returns events past the sweep watermark that have not been
// scored yet, in insertion order.
func (r *EventRepository) ListUnscored(ctx context.Context, scope tenant.Scope, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM audit_events
		WHERE tenant_id = $1 AND seq > $2 AND anomaly_score IS NULL
		ORDER BY seq ASC LIMIT $3`,
		scope.TenantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list unscored: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0, limit)
	for rows.Next() {
		e, scanErr := r.scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRecent returns the most recent events up to limit, newest first. Used
// as the feature extractor's historical window.
func (r *EventRepository) ListRecent(ctx context.Context, scope tenant.Scope, since time.Time, limit int) ([]*models.AuditEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE tenant_id = $1 AND ts >= $2 ORDER BY ts DESC, seq DESC LIMIT $3`,
		scope.TenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0, limit)
	for rows.Next() {
		e, scanErr := r.scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountSince returns the tenant's event count since the given time. Drives
// the tenant-model-vs-baseline selection policy.
func (r *EventRepository) CountSince(ctx context.Context, scope tenant.Scope, since time.Time) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE tenant_id = $1 AND ts >= $2`,
		scope.TenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count since: %w", err)
	}
	return n, nil
}

// MarkScored records the anomaly score for an event. First write wins: the
// guard on anomaly_score IS NULL makes re-runs of the sweep idempotent and
// rules out overwrite races between concurrent scorers. Returns true when
// this call performed the write.
func (r *EventRepository) MarkScored(ctx context.Context, scope tenant.Scope, eventID string, score float64, isAnomaly bool) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE audit_events SET anomaly_score = $1, is_anomaly = $2
		WHERE tenant_id = $3 AND id = $4 AND anomaly_score IS NULL`,
		score, isAnomaly, scope.TenantID, eventID)
	if err != nil {
		return false, fmt.Errorf("mark scored: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetClassification records the classification fill-in. First write wins,
// mirroring MarkScored.
func (r *EventRepository) SetClassification(ctx context.Context, scope tenant.Scope, eventID, category string, risk models.RiskLevel, tags []string) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE audit_events SET category = $1, risk_level = $2, tags = $3
		WHERE tenant_id = $4 AND id = $5 AND category IS NULL`,
		category, string(risk), pq.Array(tags), scope.TenantID, eventID)
	if err != nil {
		return false, fmt.Errorf("set classification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTenants returns every tenant with at least one appended event. Used by
// background sweeps to iterate chains; chain_heads has exactly one row per
// tenant so this stays cheap regardless of event volume.
func (r *EventRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id FROM chain_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DetectionRateRow is one group's anomaly detection rate within a window.
type DetectionRateRow struct {
	Group   string
	Total   int
	Flagged int
}

// Rate returns flagged/total, or 0 for an empty group.
func (d DetectionRateRow) Rate() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Flagged) / float64(d.Total)
}

var groupColumns = map[string]string{
	"role":        "actor_role",
	"department":  "actor_department",
	"entity_type": "entity_type",
}

// DetectionRates aggregates scored events in the window into per-group
// detection rates. dimension is one of "role", "department", "entity_type";
// anything else is a validation error (the column is interpolated into SQL,
// so the whitelist is also an injection guard).
func (r *EventRepository) DetectionRates(ctx context.Context, dimension string, from, to time.Time) ([]DetectionRateRow, error) {
	col, ok := groupColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group dimension %q", ErrValidation, dimension)
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(%s, 'unknown') AS grp,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE is_anomaly) AS flagged
		FROM audit_events
		WHERE ts >= $1 AND ts <= $2 AND anomaly_score IS NOT NULL
		GROUP BY grp ORDER BY grp`, col)

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("detection rates: %w", err)
	}
	defer rows.Close()

	var out []DetectionRateRow
	for rows.Next() {
		var d DetectionRateRow
		if err := rows.Scan(&d.Group, &d.Total, &d.Flagged); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Watermark returns the sweep watermark for a tenant (0 when none recorded).
func (r *EventRepository) Watermark(ctx context.Context, tenantID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT last_seq FROM sweep_watermarks WHERE tenant_id = $1`, tenantID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return seq, nil
}

// AdvanceWatermark moves the sweep watermark forward. Never moves backwards,
// so replayed or interleaved sweep runs cannot regress the resume point.
func (r *EventRepository) AdvanceWatermark(ctx context.Context, tenantID string, seq int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sweep_watermarks (tenant_id, last_seq) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET last_seq = GREATEST(sweep_watermarks.last_seq, EXCLUDED.last_seq), updated_at = now()`,
		tenantID, seq)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
