// bias.go monitors anomaly detection rates across actor groups. When the
// detector flags one role, department, or entity type far more often than
// another over a comparison window, that divergence is surfaced for review:
// the model may have learned a proxy for who, not what.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
)

// BiasGapThreshold is the detection-rate gap (20 percentage points) between
// the most- and least-flagged group that triggers a bias alert.
const BiasGapThreshold = 0.20

// minGroupSample is the minimum scored events a group needs before its rate
// is compared. Tiny groups produce meaningless rates.
const minGroupSample = 20

// Dimensions lists the group dimensions the monitor checks.
var Dimensions = []string{"role", "department", "entity_type"}

// BiasMonitor compares per-group detection rates.
type BiasMonitor struct {
	events    *repositories.EventRepository
	alertRepo *repositories.AlertRepository
	logger    *slog.Logger
}

// NewBiasMonitor creates a bias monitor.
func NewBiasMonitor(events *repositories.EventRepository, alertRepo *repositories.AlertRepository, logger *slog.Logger) *BiasMonitor {
	return &BiasMonitor{events: events, alertRepo: alertRepo, logger: logger}
}

// Check compares detection rates across one dimension for the window.
// Returns the recorded bias alert when the gap crosses the threshold, nil
// when rates are within bounds or too few groups qualify.
func (b *BiasMonitor) Check(ctx context.Context, dimension string, from, to time.Time) (*models.BiasAlert, error) {
	rows, err := b.events.DetectionRates(ctx, dimension, from, to)
	if err != nil {
		return nil, err
	}

	var qualified []repositories.DetectionRateRow
	for _, row := range rows {
		if row.Total >= minGroupSample {
			qualified = append(qualified, row)
		}
	}
	if len(qualified) < 2 {
		return nil, nil
	}

	maxRow, minRow := qualified[0], qualified[0]
	for _, row := range qualified[1:] {
		if row.Rate() > maxRow.Rate() {
			maxRow = row
		}
		if row.Rate() < minRow.Rate() {
			minRow = row
		}
	}

	gap := maxRow.Rate() - minRow.Rate()
	if gap <= BiasGapThreshold {
		return nil, nil
	}

	alert := &models.BiasAlert{
		GroupDimension: dimension,
		WindowStart:    from,
		WindowEnd:      to,
		MaxGroup:       maxRow.Group,
		MaxRate:        maxRow.Rate(),
		MinGroup:       minRow.Group,
		MinRate:        minRow.Rate(),
		Gap:            gap,
	}
	if err := b.alertRepo.CreateBiasAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("record bias alert: %w", err)
	}
	b.logger.Warn("detection rate divergence",
		"dimension", dimension,
		"max_group", maxRow.Group, "max_rate", maxRow.Rate(),
		"min_group", minRow.Group, "min_rate", minRow.Rate(),
		"gap", gap)
	return alert, nil
}

// CheckAll runs Check over every dimension, collecting findings.
func (b *BiasMonitor) CheckAll(ctx context.Context, from, to time.Time) ([]*models.BiasAlert, error) {
	var findings []*models.BiasAlert
	for _, dim := range Dimensions {
		alert, err := b.Check(ctx, dim, from, to)
		if err != nil {
			return findings, err
		}
		if alert != nil {
			findings = append(findings, alert)
		}
	}
	return findings, nil
}
