// anomaly_sweep.go implements the AnomalySweeper background job: the async
// enrichment pass that scores and classifies events appended since the last
// run. Progress is tracked with a per-tenant watermark persisted in the
// database, so an interrupted sweep resumes where it stopped and a re-run
// never double-processes (scoring and classification are first-write-wins at
// the store level as a second guard).
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/projectpulse/audit-engine/internal/alerts"
	"github.com/projectpulse/audit-engine/internal/anomaly"
	"github.com/projectpulse/audit-engine/internal/classify"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/telemetry"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

const (
	sweepBatchSize = 500
	// historyWindow is how far back the feature extractor's context reaches.
	historyWindow = 30 * 24 * time.Hour
	historyLimit  = 1000
)

// AnomalySweeper periodically scores and classifies unprocessed events.
type AnomalySweeper struct {
	events     *repositories.EventRepository
	anomalies  *repositories.AnomalyRepository
	engine     *anomaly.Engine
	classifier *classify.Classifier
	cache      *classify.Cache
	monitor    *alerts.Monitor
	logger     *slog.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// NewAnomalySweeper creates the sweeper. intervalMinutes controls how often
// a pass runs (default 60).
func NewAnomalySweeper(
	events *repositories.EventRepository,
	anomalies *repositories.AnomalyRepository,
	engine *anomaly.Engine,
	classifier *classify.Classifier,
	cache *classify.Cache,
	monitor *alerts.Monitor,
	logger *slog.Logger,
	intervalMinutes int,
) *AnomalySweeper {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	return &AnomalySweeper{
		events:     events,
		anomalies:  anomalies,
		engine:     engine,
		classifier: classifier,
		cache:      cache,
		monitor:    monitor,
		logger:     logger,
		interval:   time.Duration(intervalMinutes) * time.Minute,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the sweep loop. It runs one pass immediately, then repeats on
// the configured interval until ctx is cancelled or Stop is called.
func (s *AnomalySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("anomaly sweeper started", "interval", s.interval)
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopChan:
			s.logger.Info("anomaly sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("anomaly sweeper context cancelled")
			return
		}
	}
}

// Stop signals the sweep loop to exit.
func (s *AnomalySweeper) Stop() {
	close(s.stopChan)
}

// RunOnce executes a single sweep pass over every tenant.
func (s *AnomalySweeper) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	tenants, err := s.events.ListTenants(ctx)
	if err != nil {
		s.logger.Error("sweep: list tenants failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := s.sweepTenant(ctx, tenantID); err != nil {
			s.logger.Error("sweep: tenant pass failed", "tenant_id", tenantID, "error", err)
		}
	}

	// Re-attempt alerts that failed delivery on earlier passes.
	if err := s.monitor.RetryUnsent(ctx, 100); err != nil {
		s.logger.Error("sweep: alert retry failed", "error", err)
	}
}

// sweepOutcome reports how processEvent left one event.
type sweepOutcome int

const (
	sweepScored  sweepOutcome = iota
	sweepSkipped              // transient failure, retried on the next pass
	sweepNoModel              // no usable model for the tenant at all
)

func (s *AnomalySweeper) sweepTenant(ctx context.Context, tenantID string) error {
	scope := tenant.SystemScope(tenantID)
	watermark, err := s.events.Watermark(ctx, tenantID)
	if err != nil {
		return err
	}

	// The durable watermark only moves over a fully scored prefix: an event
	// left unscored (no model yet, or a failed inference) holds it back so a
	// later pass revisits the event. The cursor keeps paging past failures
	// within this pass so one bad event cannot stall the rest of the batch.
	commit := watermark
	cursor := watermark
	blocked := false

	flush := func() error {
		if commit <= watermark {
			return nil
		}
		if err := s.events.AdvanceWatermark(ctx, tenantID, commit); err != nil {
			return err
		}
		watermark = commit
		return nil
	}

	for {
		batch, err := s.events.ListUnscored(ctx, scope, cursor, sweepBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return flush()
		}

		history, err := s.events.ListRecent(ctx, scope, time.Now().Add(-historyWindow), historyLimit)
		if err != nil {
			return err
		}

		for _, event := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			outcome := s.processEvent(ctx, scope, event, history)
			if outcome == sweepNoModel {
				// Nothing in this tenant can score until a model trains;
				// keep the watermark where it is so the backlog is swept
				// once the retrainer produces one.
				return flush()
			}
			cursor = event.Seq
			switch {
			case outcome != sweepScored:
				blocked = true
			case !blocked:
				commit = event.Seq
			}
		}

		if err := flush(); err != nil {
			return err
		}
		if len(batch) < sweepBatchSize {
			return nil
		}
	}
}

// processEvent scores and classifies one event. Failures degrade per
// concern: a scoring failure still allows classification and vice versa.
func (s *AnomalySweeper) processEvent(ctx context.Context, scope tenant.Scope, event *models.AuditEvent, history []*models.AuditEvent) sweepOutcome {
	verdict := s.classifyEvent(ctx, scope, event)

	res, err := s.engine.Score(ctx, scope, event, history)
	if errors.Is(err, anomaly.ErrInsufficientData) {
		return sweepNoModel
	}
	if err != nil {
		s.logger.Error("sweep: scoring failed", "event_id", event.ID, "error", err)
		return sweepSkipped
	}

	wrote, err := s.events.MarkScored(ctx, scope, event.ID, res.Score, res.IsAnomaly)
	if err != nil {
		s.logger.Error("sweep: score write failed", "event_id", event.ID, "error", err)
		return sweepSkipped
	}
	if !wrote || !res.IsAnomaly {
		return sweepScored
	}

	rec := &models.AnomalyRecord{
		EventID:      event.ID,
		TenantID:     scope.TenantID,
		AnomalyScore: res.Score,
		FeaturesUsed: res.Features,
		Explanation:  explanationFromAttributions(res.Explanation),
		ModelVersion: res.ModelVersion,
	}
	created, err := s.anomalies.Create(ctx, rec)
	if err != nil {
		s.logger.Error("sweep: anomaly record failed", "event_id", event.ID, "error", err)
		return sweepScored
	}
	if !created {
		return sweepScored
	}

	reviewRequired := verdict != nil && verdict.ReviewRequired
	if _, err := s.monitor.RaiseAnomalyAlert(ctx, event, rec, reviewRequired); err != nil {
		s.logger.Error("sweep: alert failed", "event_id", event.ID, "error", err)
	}
	return sweepScored
}

// explanationFromAttributions converts the engine's ranked attribution list
// into the persisted explanation form, preserving order.
func explanationFromAttributions(attrs []anomaly.Attribution) []models.FeatureAttribution {
	out := make([]models.FeatureAttribution, len(attrs))
	for i, a := range attrs {
		out[i] = models.FeatureAttribution{
			Feature:      a.Feature,
			Value:        a.Value,
			Contribution: a.Contribution,
		}
	}
	return out
}

func (s *AnomalySweeper) classifyEvent(ctx context.Context, scope tenant.Scope, event *models.AuditEvent) *classify.Classification {
	verdict, _, err := s.cache.GetOrCompute(ctx, event, s.classifier.Classify)
	if err != nil {
		s.logger.Error("sweep: classification failed", "event_id", event.ID, "error", err)
		return nil
	}
	if _, err := s.events.SetClassification(ctx, scope, event.ID, verdict.Category, verdict.RiskLevel, verdict.Tags); err != nil {
		s.logger.Error("sweep: classification write failed", "event_id", event.ID, "error", err)
	}
	return verdict
}
