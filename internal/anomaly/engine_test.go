package anomaly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/crypto"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

var testEventStub = models.AuditEvent{
	EventType: "project.updated",
	Severity:  models.SeverityInfo,
	Timestamp: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
}

var eventCols = []string{
	"id", "tenant_id", "event_type", "acting_user", "actor_role", "actor_department",
	"entity_type", "entity_id", "action_details_enc", "ip_address_enc", "user_agent_enc",
	"severity", "ts", "seq", "anomaly_score", "is_anomaly", "category", "risk_level",
	"tags", "hash", "previous_hash", "created_at",
}

func testEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *crypto.FieldCipher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cipher, err := crypto.NewFieldCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewFieldCipher: %v", err)
	}

	sdb := sqlx.NewDb(db, "sqlmock")
	cfg := config.AnomalyConfig{
		MinTrainingEvents:    5,
		TenantModelThreshold: 1000,
		TrainingWindowDays:   30,
		Trees:                20,
		SampleSize:           64,
	}
	engine := NewEngine(cfg,
		repositories.NewEventRepository(sdb, cipher, 3, 1000),
		repositories.NewModelRepository(sdb),
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return engine, mock, cipher
}

type stubFeedback struct {
	rate     float64
	reviewed int
}

func (s stubFeedback) FalsePositiveRate(ctx context.Context, tenantID string, since time.Time) (float64, int, error) {
	return s.rate, s.reviewed, nil
}

func trainingRows(t *testing.T, cipher *crypto.FieldCipher, n int) *sqlmock.Rows {
	t.Helper()
	detailsEnc, err := cipher.SealJSON(map[string]interface{}{"k": "v"})
	if err != nil {
		t.Fatalf("SealJSON: %v", err)
	}
	rows := sqlmock.NewRows(eventCols)
	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < n; i++ {
		rows.AddRow(
			fmt.Sprintf("evt-%d", i), "tenant-a", fmt.Sprintf("type-%d", i%3), "user-1", nil, nil,
			nil, nil, detailsEnc, nil, nil,
			"info", base.Add(time.Duration(i)*time.Minute), int64(i+1), nil, false, nil, nil,
			"{}", fmt.Sprintf("sha256:%04d", i), "sha256:prev", time.Now(),
		)
	}
	return rows
}

func TestFlagged_StrictCutoff(t *testing.T) {
	cases := []struct {
		score float64
		want  bool
	}{
		{0.0, false},
		{0.69, false},
		{0.70, false},
		{0.7000001, true},
		{0.71, true},
		{1.0, true},
	}
	for _, tc := range cases {
		if got := Flagged(tc.score); got != tc.want {
			t.Errorf("Flagged(%v) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestScore_NoModelsAtAll(t *testing.T) {
	engine, mock, _ := testEngine(t)

	mock.ExpectQuery("SELECT COUNT.*FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	e := &testEventStub
	_, err := engine.Score(context.Background(), tenant.SystemScope("tenant-a"), e, nil)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestScore_RejectsEmptyScope(t *testing.T) {
	engine, _, _ := testEngine(t)
	_, err := engine.Score(context.Background(), tenant.Scope{}, &testEventStub, nil)
	if !errors.Is(err, tenant.ErrAuthorization) {
		t.Fatalf("err = %v, want ErrAuthorization", err)
	}
}

func TestTrain_InsufficientData(t *testing.T) {
	engine, mock, cipher := testEngine(t)

	tenantID := "tenant-a"
	mock.ExpectQuery("SELECT id.*FROM audit_events").
		WillReturnRows(trainingRows(t, cipher, 2))

	_, err := engine.Train(context.Background(), &tenantID)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestTrain_ActivatesAndRegistersModel(t *testing.T) {
	engine, mock, cipher := testEngine(t)
	tenantID := "tenant-a"

	mock.ExpectQuery("SELECT id.*FROM audit_events").
		WillReturnRows(trainingRows(t, cipher, 20))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE model_metadata SET active = FALSE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec("INSERT INTO model_metadata").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	meta, err := engine.Train(context.Background(), &tenantID)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if meta.VersionString() != "anomaly_detector/v1" {
		t.Errorf("VersionString = %q", meta.VersionString())
	}
	if meta.TrainingSetSize != 20 {
		t.Errorf("TrainingSetSize = %d, want 20", meta.TrainingSetSize)
	}

	// The freshly trained model serves this tenant once its event volume
	// crosses the tenant-model threshold.
	mock.ExpectQuery("SELECT COUNT.*FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2000))

	res, err := engine.Score(context.Background(), tenant.SystemScope(tenantID), &testEventStub, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.ModelVersion != "anomaly_detector/v1" {
		t.Errorf("ModelVersion = %q", res.ModelVersion)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Errorf("Score = %v, out of [0,1]", res.Score)
	}
	if res.IsAnomaly != (res.Score > Threshold) {
		t.Errorf("IsAnomaly = %v inconsistent with score %v", res.IsAnomaly, res.Score)
	}
}

func TestTrain_RecordsPrecisionFromFeedback(t *testing.T) {
	engine, mock, cipher := testEngine(t)
	engine.feedback = stubFeedback{rate: 0.25, reviewed: 8}
	tenantID := "tenant-a"

	mock.ExpectQuery("SELECT id.*FROM audit_events").
		WillReturnRows(trainingRows(t, cipher, 20))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE model_metadata SET active = FALSE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec("INSERT INTO model_metadata").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	meta, err := engine.Train(context.Background(), &tenantID)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if meta.Metrics.Precision == nil {
		t.Fatal("expected precision in model metrics")
	}
	if got := *meta.Metrics.Precision; got != 0.75 {
		t.Errorf("Precision = %v, want 0.75 (1 minus the false positive rate)", got)
	}
}

func TestTrain_NoReviewsLeavesMetricsEmpty(t *testing.T) {
	engine, mock, cipher := testEngine(t)
	engine.feedback = stubFeedback{rate: 0, reviewed: 0}
	tenantID := "tenant-a"

	mock.ExpectQuery("SELECT id.*FROM audit_events").
		WillReturnRows(trainingRows(t, cipher, 20))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE model_metadata SET active = FALSE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec("INSERT INTO model_metadata").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	meta, err := engine.Train(context.Background(), &tenantID)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if meta.Metrics.Precision != nil {
		t.Errorf("Precision = %v, want nil with no reviewed detections", *meta.Metrics.Precision)
	}
}

func TestTrain_BaselineFallback(t *testing.T) {
	engine, mock, cipher := testEngine(t)

	// Baseline training samples every tenant.
	mock.ExpectQuery("SELECT tenant_id FROM chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a"))
	mock.ExpectQuery("SELECT id.*FROM audit_events").
		WillReturnRows(trainingRows(t, cipher, 20))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE model_metadata SET active = FALSE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec("INSERT INTO model_metadata").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := engine.Train(context.Background(), nil); err != nil {
		t.Fatalf("Train baseline: %v", err)
	}

	// A tenant below the threshold scores against the baseline.
	mock.ExpectQuery("SELECT COUNT.*FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(50))

	res, err := engine.Score(context.Background(), tenant.SystemScope("tenant-b"), &testEventStub, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.ModelVersion != "anomaly_detector/v1" {
		t.Errorf("ModelVersion = %q", res.ModelVersion)
	}
}
