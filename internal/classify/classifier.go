// Package classify assigns a category, risk level, and tags to audit events.
// The external AI provider is preferred when configured; a deterministic
// rule-based classifier backs it so classification always produces an answer
// even with the provider down. Low-confidence verdicts are marked for human
// review instead of being silently trusted.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/projectpulse/audit-engine/internal/aiprovider"
	"github.com/projectpulse/audit-engine/internal/db/models"
)

// ReviewConfidenceThreshold is the confidence below which a classification
// must be reviewed by a human before being acted on.
const ReviewConfidenceThreshold = 0.60

// Classification is the enrichment verdict for one event.
type Classification struct {
	Category   string           `json:"category"`
	RiskLevel  models.RiskLevel `json:"risk_level"`
	Tags       []string         `json:"tags"`
	Confidence float64          `json:"confidence"`
	// ReviewRequired marks verdicts below the confidence threshold.
	ReviewRequired bool `json:"review_required"`
	// FallbackUsed is set when the AI provider was unavailable and the
	// rule-based classifier answered instead.
	FallbackUsed bool `json:"fallback_used"`
}

// Classifier produces classifications, preferring the AI provider and
// falling back to rules.
type Classifier struct {
	provider *aiprovider.Client
	logger   *slog.Logger
}

// NewClassifier creates a classifier. provider may be disabled; rules then
// serve every request.
func NewClassifier(provider *aiprovider.Client, logger *slog.Logger) *Classifier {
	return &Classifier{provider: provider, logger: logger}
}

// Classify returns a verdict for the event. Provider unavailability is not
// an error: the rule-based answer is returned with FallbackUsed set.
func (c *Classifier) Classify(ctx context.Context, e *models.AuditEvent) (*Classification, error) {
	if c.provider != nil && c.provider.Enabled() {
		resp, err := c.provider.Classify(ctx, providerRequest(e))
		if err == nil {
			if verdict := fromProvider(resp); verdict != nil {
				return verdict, nil
			}
			c.logger.Warn("ai provider returned unusable classification",
				"category", resp.Category, "risk_level", resp.RiskLevel)
		} else if !errors.Is(err, aiprovider.ErrUnavailable) {
			return nil, err
		}
		verdict := c.classifyByRules(e)
		verdict.FallbackUsed = true
		return verdict, nil
	}
	return c.classifyByRules(e), nil
}

func providerRequest(e *models.AuditEvent) aiprovider.ClassifyRequest {
	req := aiprovider.ClassifyRequest{
		EventType:     e.EventType,
		Severity:      string(e.Severity),
		ActionDetails: e.ActionDetails,
	}
	if e.EntityType != nil {
		req.EntityType = *e.EntityType
	}
	return req
}

// fromProvider validates the provider's verdict against the known taxonomy.
// Out-of-taxonomy answers are discarded rather than stored.
func fromProvider(resp *aiprovider.ClassifyResponse) *Classification {
	valid := false
	for _, cat := range models.Categories() {
		if resp.Category == cat {
			valid = true
			break
		}
	}
	risk := models.RiskLevel(resp.RiskLevel)
	if !valid || !risk.Valid() {
		return nil
	}
	return &Classification{
		Category:       resp.Category,
		RiskLevel:      risk,
		Tags:           resp.Tags,
		Confidence:     resp.Confidence,
		ReviewRequired: resp.Confidence < ReviewConfidenceThreshold,
	}
}

// categoryRules maps event type substrings to categories, checked in order.
// More specific security words come before the generic CRUD ones.
var categoryRules = []struct {
	keywords []string
	category string
}{
	{[]string{"login", "logout", "password", "token", "session", "mfa"}, models.CategoryAuth},
	{[]string{"permission", "role", "grant", "revoke", "acl"}, models.CategorySecurity},
	{[]string{"config", "setting", "retention"}, models.CategoryConfiguration},
	{[]string{"workflow", "approval", "transition", "milestone"}, models.CategoryWorkflow},
	{[]string{"webhook", "integration", "sync", "api_key"}, models.CategoryIntegration},
	{[]string{"export", "download", "view", "read", "search", "report"}, models.CategoryDataAccess},
	{[]string{"create", "update", "delete", "import", "archive", "restore"}, models.CategoryDataModification},
}

// riskByCategory is the base risk before severity escalation.
var riskByCategory = map[string]models.RiskLevel{
	models.CategoryAuth:             models.RiskMedium,
	models.CategorySecurity:         models.RiskHigh,
	models.CategoryConfiguration:    models.RiskMedium,
	models.CategoryWorkflow:         models.RiskLow,
	models.CategoryIntegration:      models.RiskMedium,
	models.CategoryDataAccess:       models.RiskLow,
	models.CategoryDataModification: models.RiskMedium,
	models.CategoryOther:            models.RiskLow,
}

func (c *Classifier) classifyByRules(e *models.AuditEvent) *Classification {
	eventType := strings.ToLower(e.EventType)

	category := models.CategoryOther
	confidence := 0.50
	for _, rule := range categoryRules {
		matched := false
		for _, kw := range rule.keywords {
			if strings.Contains(eventType, kw) {
				matched = true
				break
			}
		}
		if matched {
			category = rule.category
			confidence = 0.75
			break
		}
	}

	risk := riskByCategory[category]
	// Event severity escalates risk but never lowers it.
	switch e.Severity {
	case models.SeverityCritical:
		risk = maxRisk(risk, models.RiskCritical)
	case models.SeverityError:
		risk = maxRisk(risk, models.RiskHigh)
	case models.SeverityWarning:
		risk = maxRisk(risk, models.RiskMedium)
	}

	tags := []string{category, string(e.Severity)}
	if e.EntityType != nil && *e.EntityType != "" {
		tags = append(tags, *e.EntityType)
	}

	return &Classification{
		Category:       category,
		RiskLevel:      risk,
		Tags:           tags,
		Confidence:     confidence,
		ReviewRequired: confidence < ReviewConfidenceThreshold,
	}
}

func maxRisk(a, b models.RiskLevel) models.RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
