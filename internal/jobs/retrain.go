// retrain.go implements the ModelRetrainer background job. It keeps the
// shared baseline trained, marks aged models stale, and walks the stale set
// through the retraining transition. Scoring keeps using the old model until
// the replacement activates, so a long training run never leaves a tenant
// without detection.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/projectpulse/audit-engine/internal/anomaly"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
)

// ModelRetrainer periodically refreshes anomaly models.
type ModelRetrainer struct {
	modelRepo *repositories.ModelRepository
	engine    *anomaly.Engine
	logger    *slog.Logger
	interval  time.Duration
	// maxAge is how old an active model may grow before it is marked stale.
	maxAge   time.Duration
	stopChan chan struct{}
}

// NewModelRetrainer creates the retrainer. intervalHours controls the loop
// cadence (default 168, weekly); models older than twice the interval are
// considered stale.
func NewModelRetrainer(modelRepo *repositories.ModelRepository, engine *anomaly.Engine, logger *slog.Logger, intervalHours int) *ModelRetrainer {
	if intervalHours <= 0 {
		intervalHours = 168
	}
	interval := time.Duration(intervalHours) * time.Hour
	return &ModelRetrainer{
		modelRepo: modelRepo,
		engine:    engine,
		logger:    logger,
		interval:  interval,
		maxAge:    2 * interval,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the retraining loop. One pass runs immediately so a fresh
// deployment trains its baseline without waiting a week.
func (r *ModelRetrainer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("model retrainer started", "interval", r.interval)
	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			r.logger.Info("model retrainer stopped")
			return
		case <-ctx.Done():
			r.logger.Info("model retrainer context cancelled")
			return
		}
	}
}

// Stop signals the retraining loop to exit.
func (r *ModelRetrainer) Stop() {
	close(r.stopChan)
}

// RunOnce executes a single retraining pass.
func (r *ModelRetrainer) RunOnce(ctx context.Context) {
	r.ensureBaseline(ctx)
	r.markAged(ctx)
	r.retrainStale(ctx)
}

// ensureBaseline trains the shared baseline when none exists yet.
func (r *ModelRetrainer) ensureBaseline(ctx context.Context) {
	active, err := r.modelRepo.GetActive(ctx, models.ModelAnomalyDetector, nil)
	if err != nil {
		r.logger.Error("retrain: baseline lookup failed", "error", err)
		return
	}
	if active != nil {
		return
	}
	if _, err := r.engine.Train(ctx, nil); err != nil {
		if errors.Is(err, anomaly.ErrInsufficientData) {
			r.logger.Info("retrain: not enough history for a baseline yet")
			return
		}
		r.logger.Error("retrain: baseline training failed", "error", err)
	}
}

// markAged transitions active models past their age budget to stale.
func (r *ModelRetrainer) markAged(ctx context.Context) {
	aged, err := r.modelRepo.ListStale(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		r.logger.Error("retrain: stale scan failed", "error", err)
		return
	}
	for _, m := range aged {
		if m.State != models.ModelTrained {
			continue
		}
		if err := r.modelRepo.SetState(ctx, m.ModelType, m.TenantID, models.ModelStale); err != nil {
			r.logger.Error("retrain: mark stale failed", "model", m.VersionString(), "error", err)
		}
	}
}

// retrainStale retrains every stale model, walking each through the
// RETRAINING transition. A failed run reverts to stale for the next pass.
func (r *ModelRetrainer) retrainStale(ctx context.Context) {
	stale, err := r.modelRepo.ListStale(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		r.logger.Error("retrain: stale scan failed", "error", err)
		return
	}
	for _, m := range stale {
		if ctx.Err() != nil {
			return
		}
		if m.ModelType != models.ModelAnomalyDetector || m.State != models.ModelStale {
			continue
		}
		if err := r.modelRepo.SetState(ctx, m.ModelType, m.TenantID, models.ModelRetraining); err != nil {
			r.logger.Error("retrain: transition failed", "model", m.VersionString(), "error", err)
			continue
		}
		if _, err := r.engine.Train(ctx, m.TenantID); err != nil {
			r.logger.Error("retrain: training failed", "model", m.VersionString(), "error", err)
			if revertErr := r.modelRepo.SetState(ctx, m.ModelType, m.TenantID, models.ModelStale); revertErr != nil {
				r.logger.Error("retrain: revert failed", "model", m.VersionString(), "error", revertErr)
			}
		}
	}
}
