package classify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/projectpulse/audit-engine/internal/aiprovider"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/db/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rulesOnly() *Classifier {
	return NewClassifier(aiprovider.NewClient(config.AIConfig{Enabled: false}, discardLogger()), discardLogger())
}

func evt(eventType string, severity models.Severity) *models.AuditEvent {
	return &models.AuditEvent{
		TenantID:  "tenant-a",
		EventType: eventType,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

func TestClassifyByRules_CategoryMapping(t *testing.T) {
	cases := []struct {
		eventType string
		category  string
	}{
		{"user.login", models.CategoryAuth},
		{"password.reset", models.CategoryAuth},
		{"permission.granted", models.CategorySecurity},
		{"role.revoked", models.CategorySecurity},
		{"config.changed", models.CategoryConfiguration},
		{"workflow.approval", models.CategoryWorkflow},
		{"webhook.fired", models.CategoryIntegration},
		{"report.export", models.CategoryDataAccess},
		{"project.update", models.CategoryDataModification},
		{"something.opaque", models.CategoryOther},
	}
	c := rulesOnly()
	for _, tc := range cases {
		verdict, err := c.Classify(context.Background(), evt(tc.eventType, models.SeverityInfo))
		if err != nil {
			t.Fatalf("%s: %v", tc.eventType, err)
		}
		if verdict.Category != tc.category {
			t.Errorf("%s: category = %q, want %q", tc.eventType, verdict.Category, tc.category)
		}
	}
}

func TestClassifyByRules_SeverityEscalatesRisk(t *testing.T) {
	c := rulesOnly()

	low, _ := c.Classify(context.Background(), evt("report.view", models.SeverityInfo))
	if low.RiskLevel != models.RiskLow {
		t.Errorf("info data_access risk = %q, want low", low.RiskLevel)
	}

	crit, _ := c.Classify(context.Background(), evt("report.view", models.SeverityCritical))
	if crit.RiskLevel != models.RiskCritical {
		t.Errorf("critical data_access risk = %q, want critical", crit.RiskLevel)
	}

	// Escalation never lowers: security stays high even at info severity.
	sec, _ := c.Classify(context.Background(), evt("permission.granted", models.SeverityInfo))
	if sec.RiskLevel != models.RiskHigh {
		t.Errorf("info security risk = %q, want high", sec.RiskLevel)
	}
}

func TestClassifyByRules_UnmatchedNeedsReview(t *testing.T) {
	c := rulesOnly()

	verdict, _ := c.Classify(context.Background(), evt("something.opaque", models.SeverityInfo))
	if !verdict.ReviewRequired {
		t.Error("unmatched event should require review")
	}

	matched, _ := c.Classify(context.Background(), evt("user.login", models.SeverityInfo))
	if matched.ReviewRequired {
		t.Error("rule-matched event should not require review")
	}
}

func newProviderClassifier(baseURL string) *Classifier {
	client := aiprovider.NewClient(config.AIConfig{
		Enabled:        true,
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
	}, discardLogger())
	return NewClassifier(client, discardLogger())
}

func TestClassify_UsesProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"category":"security","risk_level":"critical","tags":["escalation"],"confidence":0.95}`))
	}))
	defer srv.Close()

	verdict, err := newProviderClassifier(srv.URL).Classify(context.Background(), evt("odd.event", models.SeverityInfo))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if verdict.Category != models.CategorySecurity || verdict.RiskLevel != models.RiskCritical {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.FallbackUsed {
		t.Error("FallbackUsed should be false when the provider answered")
	}
	if verdict.ReviewRequired {
		t.Error("high-confidence verdict should not require review")
	}
}

func TestClassify_LowConfidenceProviderNeedsReview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"category":"other","risk_level":"low","confidence":0.4}`))
	}))
	defer srv.Close()

	verdict, err := newProviderClassifier(srv.URL).Classify(context.Background(), evt("odd.event", models.SeverityInfo))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !verdict.ReviewRequired {
		t.Error("confidence 0.4 should require review")
	}
}

func TestClassify_FallsBackWhenProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	verdict, err := newProviderClassifier(srv.URL).Classify(context.Background(), evt("user.login", models.SeverityInfo))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !verdict.FallbackUsed {
		t.Error("FallbackUsed should be set when the provider is down")
	}
	if verdict.Category != models.CategoryAuth {
		t.Errorf("fallback category = %q, want auth", verdict.Category)
	}
}

func TestClassify_DiscardsOutOfTaxonomyProviderVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"category":"interpretive_dance","risk_level":"low","confidence":0.9}`))
	}))
	defer srv.Close()

	verdict, err := newProviderClassifier(srv.URL).Classify(context.Background(), evt("user.login", models.SeverityInfo))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !verdict.FallbackUsed {
		t.Error("out-of-taxonomy verdict should fall back to rules")
	}
	if verdict.Category != models.CategoryAuth {
		t.Errorf("category = %q, want auth", verdict.Category)
	}
}
