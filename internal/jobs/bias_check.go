package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/projectpulse/audit-engine/internal/alerts"
)

// BiasChecker runs the detection-rate bias comparison once a day over a
// rolling window.
type BiasChecker struct {
	monitor    *alerts.BiasMonitor
	logger     *slog.Logger
	window     time.Duration
	stopChan   chan struct{}
	checkEvery time.Duration
}

// NewBiasChecker creates the checker. windowDays is the comparison window
// (default 30 days).
func NewBiasChecker(monitor *alerts.BiasMonitor, logger *slog.Logger, windowDays int) *BiasChecker {
	if windowDays <= 0 {
		windowDays = 30
	}
	return &BiasChecker{
		monitor:    monitor,
		logger:     logger,
		window:     time.Duration(windowDays) * 24 * time.Hour,
		checkEvery: 24 * time.Hour,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the check loop. One pass runs immediately, then daily.
func (b *BiasChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(b.checkEvery)
	defer ticker.Stop()

	b.logger.Info("bias checker started", "window", b.window)
	b.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			b.RunOnce(ctx)
		case <-b.stopChan:
			b.logger.Info("bias checker stopped")
			return
		case <-ctx.Done():
			b.logger.Info("bias checker context cancelled")
			return
		}
	}
}

// Stop signals the check loop to exit.
func (b *BiasChecker) Stop() {
	close(b.stopChan)
}

// RunOnce executes a single bias comparison across all dimensions.
func (b *BiasChecker) RunOnce(ctx context.Context) {
	to := time.Now().UTC()
	from := to.Add(-b.window)

	findings, err := b.monitor.CheckAll(ctx, from, to)
	if err != nil {
		b.logger.Error("bias check failed", "error", err)
		return
	}
	if len(findings) > 0 {
		b.logger.Warn("bias check found divergent groups", "findings", len(findings))
	}
}
