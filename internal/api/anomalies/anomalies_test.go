package anomalies

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/middleware"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var anomalyCols = []string{
	"id", "event_id", "tenant_id", "anomaly_score", "detection_timestamp",
	"features_used", "explanation", "model_version", "is_false_positive",
	"feedback_notes", "alert_sent", "created_at",
}

func fakeAuth(scope tenant.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.TenantIDKey, scope.TenantID)
		c.Set(middleware.ScopeKey, scope)
		c.Request = c.Request.WithContext(tenant.WithScope(c.Request.Context(), scope))
		c.Next()
	}
}

func newTestRouter(t *testing.T, scope tenant.Scope) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	h := NewHandler(
		repositories.NewAnomalyRepository(sqlxDB),
		repositories.NewAlertRepository(sqlxDB),
		repositories.NewModelRepository(sqlxDB),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	r := gin.New()
	group := r.Group("/api/v1")
	group.Use(fakeAuth(scope))
	h.RegisterRoutes(group)
	return r, mock
}

func managerScope() tenant.Scope {
	return tenant.Scope{TenantID: "tenant-a", UserID: "user-1", Role: "manager"}
}

func sampleAnomalyRow() *sqlmock.Rows {
	return sqlmock.NewRows(anomalyCols).AddRow(
		"rec-1", "evt-1", "tenant-a", 0.91, time.Now(),
		[]byte(`{"hour_sin":0.5,"type_frequency":0.01}`),
		[]byte(`[{"feature":"type_frequency","value":0.01,"contribution":0.42},`+
			`{"feature":"hour_sin","value":0.5,"contribution":0.11}]`),
		"anomaly_detector/v3", false, nil, true, time.Now(),
	)
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestList_ReturnsRecords(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT (.+) FROM anomaly_records").
		WillReturnRows(sampleAnomalyRow())

	w := do(r, http.MethodGet, "/api/v1/anomalies", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var body struct {
		Anomalies []struct {
			EventID      string             `json:"event_id"`
			AnomalyScore float64            `json:"anomaly_score"`
			FeaturesUsed map[string]float64 `json:"features_used"`
			ModelVersion string             `json:"model_version"`
		} `json:"anomalies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(body.Anomalies))
	}
	rec := body.Anomalies[0]
	if rec.EventID != "evt-1" || rec.AnomalyScore != 0.91 {
		t.Errorf("record = %+v", rec)
	}
	if rec.FeaturesUsed["hour_sin"] != 0.5 {
		t.Errorf("features_used not surfaced: %v", rec.FeaturesUsed)
	}
	if rec.ModelVersion != "anomaly_detector/v3" {
		t.Errorf("model_version = %q", rec.ModelVersion)
	}
}

func TestList_RejectsInvertedWindow(t *testing.T) {
	r, _ := newTestRouter(t, managerScope())

	w := do(r, http.MethodGet,
		"/api/v1/anomalies?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetByEvent_NotFound(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT (.+) FROM anomaly_records").
		WillReturnRows(sqlmock.NewRows(anomalyCols))

	w := do(r, http.MethodGet, "/api/v1/anomalies/evt-clean", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetExplanation_ReturnsRankedAttributions(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT (.+) FROM anomaly_records").
		WillReturnRows(sampleAnomalyRow())

	w := do(r, http.MethodGet, "/api/v1/anomalies/evt-1/explanation", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var body struct {
		Explanation []struct {
			Feature      string  `json:"feature"`
			Value        float64 `json:"value"`
			Contribution float64 `json:"contribution"`
		} `json:"explanation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Explanation) != 2 {
		t.Fatalf("explanation entries = %d, want 2", len(body.Explanation))
	}
	// The stored list is ranked; the response must preserve that order.
	if body.Explanation[0].Feature != "type_frequency" || body.Explanation[0].Contribution != 0.42 {
		t.Errorf("top attribution = %+v", body.Explanation[0])
	}
	if body.Explanation[1].Feature != "hour_sin" {
		t.Errorf("second attribution = %+v", body.Explanation[1])
	}
}

func TestFeedback_RecordsVerdict(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT (.+) FROM anomaly_records").
		WillReturnRows(sampleAnomalyRow())
	mock.ExpectExec("UPDATE anomaly_records SET is_false_positive").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := do(r, http.MethodPost, "/api/v1/anomalies/evt-1/feedback",
		`{"is_false_positive":true,"notes":"routine bulk import"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "rec-1") {
		t.Errorf("body = %s, want record id echoed", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFeedback_NoRecordForEvent(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT (.+) FROM anomaly_records").
		WillReturnRows(sqlmock.NewRows(anomalyCols))

	w := do(r, http.MethodPost, "/api/v1/anomalies/evt-clean/feedback",
		`{"is_false_positive":false}`)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestFalsePositiveRate(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"fp", "reviewed"}).AddRow(3, 10))

	w := do(r, http.MethodGet, "/api/v1/anomalies/stats/false-positive-rate", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var body struct {
		Rate     float64 `json:"false_positive_rate"`
		Reviewed int     `json:"reviewed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Rate != 0.3 || body.Reviewed != 10 {
		t.Errorf("rate = %v, reviewed = %d", body.Rate, body.Reviewed)
	}
}

func TestListBiasAlerts_RequiresAdmin(t *testing.T) {
	r, _ := newTestRouter(t, managerScope())

	w := do(r, http.MethodGet, "/api/v1/alerts/bias", "")

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for non-admin", w.Code)
	}
	if !strings.Contains(w.Body.String(), "authorization_denied") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestListBiasAlerts_AdminAllowed(t *testing.T) {
	r, mock := newTestRouter(t, tenant.Scope{TenantID: "tenant-a", UserID: "user-9", Role: "admin"})

	mock.ExpectQuery("SELECT (.+) FROM bias_alerts").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "group_dimension", "window_start", "window_end",
			"max_group", "max_rate", "min_group", "min_rate", "gap", "created_at",
		}).AddRow("bias-1", "department", time.Now().Add(-30*24*time.Hour), time.Now(),
			"finance", 0.31, "engineering", 0.05, 0.26, time.Now()))

	w := do(r, http.MethodGet, "/api/v1/alerts/bias", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var body struct {
		BiasAlerts []struct {
			Dimension string  `json:"dimension"`
			Gap       float64 `json:"gap"`
		} `json:"bias_alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.BiasAlerts) != 1 || body.BiasAlerts[0].Dimension != "department" {
		t.Errorf("bias_alerts = %+v", body.BiasAlerts)
	}
}

func TestListModels(t *testing.T) {
	r, mock := newTestRouter(t, managerScope())

	modelCols := []string{
		"id", "model_type", "version", "training_date", "training_set_size",
		"metrics", "tenant_id", "active", "state", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM model_metadata").
		WillReturnRows(sqlmock.NewRows(modelCols).AddRow(
			"mdl-2", "anomaly_detector", 2, time.Now(), 5000,
			[]byte(`{}`), "tenant-a", true, "trained", time.Now()))
	mock.ExpectQuery("SELECT (.+) FROM model_metadata").
		WillReturnRows(sqlmock.NewRows(modelCols).AddRow(
			"mdl-1", "anomaly_detector", 7, time.Now(), 120000,
			[]byte(`{}`), nil, true, "trained", time.Now()))
	mock.ExpectQuery("SELECT (.+) FROM model_metadata").
		WillReturnRows(sqlmock.NewRows(modelCols))

	w := do(r, http.MethodGet, "/api/v1/models", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var body struct {
		TenantModel struct {
			Version string `json:"version"`
		} `json:"tenant_model"`
		Baseline struct {
			Version string `json:"version"`
		} `json:"baseline"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.TenantModel.Version != "anomaly_detector/v2" {
		t.Errorf("tenant model version = %q", body.TenantModel.Version)
	}
	if body.Baseline.Version != "anomaly_detector/v7" {
		t.Errorf("baseline version = %q", body.Baseline.Version)
	}
}
