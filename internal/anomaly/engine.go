// Package anomaly scores audit events with per-tenant isolation forests and
// a shared baseline for tenants without enough history. Trained forests live
// in memory behind a registry; activation swaps the registry entry and the
// database metadata row together so the advertised model version always
// matches the forest doing the scoring.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/features"
	"github.com/projectpulse/audit-engine/internal/telemetry"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

// Threshold is the anomaly score above which an event is flagged. Scores are
// comparable across model versions, so the cutoff is a constant rather than
// per-model configuration.
const Threshold = 0.70

// Flagged reports whether a score crosses the anomaly cutoff. The comparison
// is strict: a score of exactly 0.70 is not an anomaly.
func Flagged(score float64) bool {
	return score > Threshold
}

var (
	// ErrInsufficientData means no model (tenant or baseline) has enough
	// training history to score with. Callers degrade gracefully: the event
	// stays unscored, nothing is flagged.
	ErrInsufficientData = errors.New("anomaly: insufficient training data")
	// ErrInference wraps unexpected scoring failures.
	ErrInference = errors.New("anomaly: inference failed")
)

// trainedModel pairs a fitted forest with its metadata row.
type trainedModel struct {
	forest *Forest
	meta   *models.ModelMetadata
}

// FeedbackStats supplies reviewer-feedback aggregates for annotating freshly
// trained models. Satisfied by repositories.AnomalyRepository.
type FeedbackStats interface {
	FalsePositiveRate(ctx context.Context, tenantID string, since time.Time) (float64, int, error)
}

// Engine selects, trains, and applies anomaly models.
type Engine struct {
	cfg       config.AnomalyConfig
	events    *repositories.EventRepository
	modelRepo *repositories.ModelRepository
	feedback  FeedbackStats
	logger    *slog.Logger

	mu           sync.RWMutex
	tenantModels map[string]*trainedModel
	baseline     *trainedModel
}

// NewEngine creates an anomaly engine with an empty model registry. Models
// are fitted on demand by the retraining job or an explicit Train call.
// feedback may be nil; trained models then carry no precision estimate.
func NewEngine(cfg config.AnomalyConfig, events *repositories.EventRepository, modelRepo *repositories.ModelRepository, feedback FeedbackStats, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		events:       events,
		modelRepo:    modelRepo,
		feedback:     feedback,
		logger:       logger,
		tenantModels: map[string]*trainedModel{},
	}
}

// Result is the outcome of scoring one event.
type Result struct {
	Score        float64
	IsAnomaly    bool
	ModelVersion string
	Features     map[string]float64
	// Explanation is populated only for flagged events; top contributing
	// features by perturbation.
	Explanation []Attribution
}

// Score extracts features for the event against the supplied history window
// and scores it with the model selected for the tenant. Flagged events get a
// perturbation explanation attached.
func (e *Engine) Score(ctx context.Context, scope tenant.Scope, event *models.AuditEvent, history []*models.AuditEvent) (*Result, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	m, err := e.selectModel(ctx, scope.TenantID)
	if err != nil {
		return nil, err
	}

	vec := features.Extract(event, history)
	score, err := m.forest.Score(vec)
	if err != nil {
		telemetry.EventsScoredTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	res := &Result{
		Score:        score,
		IsAnomaly:    Flagged(score),
		ModelVersion: m.meta.VersionString(),
		Features:     vec.Map(),
	}
	if res.IsAnomaly {
		attribution, expErr := m.forest.Explain(vec, 5)
		if expErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInference, expErr)
		}
		res.Explanation = attribution
		telemetry.EventsScoredTotal.WithLabelValues("anomaly").Inc()
	} else {
		telemetry.EventsScoredTotal.WithLabelValues("normal").Inc()
	}
	return res, nil
}

// selectModel returns the tenant's own model when the tenant has crossed the
// history threshold and a fitted model is registered; otherwise the shared
// baseline. No usable model at all is ErrInsufficientData.
func (e *Engine) selectModel(ctx context.Context, tenantID string) (*trainedModel, error) {
	since := time.Now().AddDate(0, 0, -e.cfg.TrainingWindowDays)
	count, err := e.events.CountSince(ctx, tenant.SystemScope(tenantID), since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if count > e.cfg.TenantModelThreshold {
		if m, ok := e.tenantModels[tenantID]; ok {
			return m, nil
		}
	}
	if e.baseline != nil {
		return e.baseline, nil
	}
	return nil, ErrInsufficientData
}

// Train fits a new model version. tenantID nil trains the shared baseline
// over a cross-tenant sample; otherwise the tenant's own model over its
// trailing window. The fitted forest and its metadata row activate together.
func (e *Engine) Train(ctx context.Context, tenantID *string) (*models.ModelMetadata, error) {
	events, err := e.trainingSet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(events) < e.cfg.MinTrainingEvents {
		return nil, fmt.Errorf("%w: have %d events, need %d", ErrInsufficientData, len(events), e.cfg.MinTrainingEvents)
	}

	vectors := features.ExtractAll(events)
	forest, err := FitForest(vectors, e.cfg.Trees, e.cfg.SampleSize, time.Now().UnixNano())
	if err != nil {
		telemetry.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	meta := &models.ModelMetadata{
		ModelType:       models.ModelAnomalyDetector,
		TrainingSetSize: len(events),
		TenantID:        tenantID,
		Metrics:         e.feedbackMetrics(ctx, tenantID),
	}
	if err := e.modelRepo.ActivateNewVersion(ctx, meta); err != nil {
		telemetry.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	m := &trainedModel{forest: forest, meta: meta}
	e.mu.Lock()
	if tenantID == nil {
		e.baseline = m
	} else {
		e.tenantModels[*tenantID] = m
	}
	e.mu.Unlock()

	telemetry.ModelTrainingsTotal.WithLabelValues("success").Inc()
	e.logger.Info("anomaly model activated",
		"model", meta.VersionString(),
		"tenant", tenantID,
		"training_set_size", meta.TrainingSetSize)
	return meta, nil
}

// feedbackMetrics estimates precision for a tenant model from reviewed
// detections in the training window: confirmed false positives count against
// it. The baseline has no single feedback population, so it stays unscored,
// as does a tenant with no reviewed detections yet.
func (e *Engine) feedbackMetrics(ctx context.Context, tenantID *string) models.ModelMetrics {
	if tenantID == nil || e.feedback == nil {
		return models.ModelMetrics{}
	}
	since := time.Now().AddDate(0, 0, -e.cfg.TrainingWindowDays)
	rate, reviewed, err := e.feedback.FalsePositiveRate(ctx, *tenantID, since)
	if err != nil {
		e.logger.Warn("feedback metrics unavailable", "tenant", *tenantID, "error", err)
		return models.ModelMetrics{}
	}
	if reviewed == 0 {
		return models.ModelMetrics{}
	}
	precision := 1 - rate
	return models.ModelMetrics{Precision: &precision}
}

// MarkStale flags the active model for a slot so the retraining job picks it
// up on its next pass.
func (e *Engine) MarkStale(ctx context.Context, tenantID *string) error {
	return e.modelRepo.SetState(ctx, models.ModelAnomalyDetector, tenantID, models.ModelStale)
}

// trainingSet loads the raw events to fit on, in chronological order.
func (e *Engine) trainingSet(ctx context.Context, tenantID *string) ([]*models.AuditEvent, error) {
	since := time.Now().AddDate(0, 0, -e.cfg.TrainingWindowDays)

	if tenantID != nil {
		events, err := e.events.ListRecent(ctx, tenant.SystemScope(*tenantID), since, 10000)
		if err != nil {
			return nil, fmt.Errorf("load training events: %w", err)
		}
		reverse(events)
		return events, nil
	}

	// Baseline: a bounded per-tenant sample across the whole platform so one
	// noisy tenant cannot dominate the shared model.
	tenants, err := e.events.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants for baseline: %w", err)
	}
	var all []*models.AuditEvent
	for _, t := range tenants {
		events, err := e.events.ListRecent(ctx, tenant.SystemScope(t), since, 1000)
		if err != nil {
			return nil, fmt.Errorf("load baseline events for %s: %w", t, err)
		}
		reverse(events)
		all = append(all, events...)
	}
	return all, nil
}

func reverse(events []*models.AuditEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
