// Package features turns audit events into fixed-width numeric vectors for
// anomaly scoring. Extraction is a pure function of the event and a recent
// history window: no I/O, no clock reads, no randomness, so the same inputs
// always produce the same vector and stored feature snapshots stay
// reproducible.
package features

import (
	"math"

	"github.com/projectpulse/audit-engine/internal/db/models"
)

// Names lists every feature in vector order. Scoring, training, and the
// explanation path all index vectors by this order.
var Names = []string{
	"hour_sin",
	"hour_cos",
	"day_sin",
	"day_cos",
	"type_frequency",
	"user_event_rate",
	"user_type_count",
	"entity_co_access",
	"payload_depth",
	"payload_fields",
	"duration_ms",
	"response_bytes",
	"severity_rank",
}

// Missing marks an absent optional measurement (performance metrics the
// client did not report). Distinct from zero: a zero-millisecond duration is
// a real observation, an absent one is not.
const Missing = -1.0

// Vector is one extracted feature vector, indexed by Names order.
type Vector []float64

// Map renders the vector keyed by feature name, the form persisted in
// anomaly records for explainability.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(Names))
	for i, name := range Names {
		if i < len(v) {
			m[name] = v[i]
		}
	}
	return m
}

// Extract computes the feature vector for an event against a window of the
// tenant's recent history. The event itself must not be in the history slice.
// Time-of-day and day-of-week use sin/cos pairs so hour 23 and hour 0 are
// close in feature space instead of maximally far apart.
func Extract(e *models.AuditEvent, history []*models.AuditEvent) Vector {
	v := make(Vector, len(Names))

	hour := float64(e.Timestamp.UTC().Hour())
	day := float64(e.Timestamp.UTC().Weekday())
	v[0] = math.Sin(2 * math.Pi * hour / 24)
	v[1] = math.Cos(2 * math.Pi * hour / 24)
	v[2] = math.Sin(2 * math.Pi * day / 7)
	v[3] = math.Cos(2 * math.Pi * day / 7)

	v[4] = typeFrequency(e, history)
	v[5] = userEventRate(e, history)
	v[6] = userTypeCount(e, history)
	v[7] = entityCoAccess(e, history)

	v[8] = payloadDepth(e.ActionDetails)
	v[9] = float64(len(e.ActionDetails))

	v[10] = numericDetail(e.ActionDetails, "duration_ms")
	v[11] = numericDetail(e.ActionDetails, "response_bytes")

	v[12] = float64(e.Severity.Rank())
	return v
}

// ExtractAll maps Extract over a training set, using for each event the
// events that precede it in the slice as its history. Input must be in
// chronological order.
func ExtractAll(events []*models.AuditEvent) []Vector {
	out := make([]Vector, len(events))
	for i, e := range events {
		out[i] = Extract(e, events[:i])
	}
	return out
}

// typeFrequency is the share of history events with the same event type.
// A rarely seen type scores near zero.
func typeFrequency(e *models.AuditEvent, history []*models.AuditEvent) float64 {
	if len(history) == 0 {
		return 0
	}
	same := 0
	for _, h := range history {
		if h.EventType == e.EventType {
			same++
		}
	}
	return float64(same) / float64(len(history))
}

// userEventRate is the acting user's events per hour across the history
// window's time span. Zero when the user or the window is empty.
func userEventRate(e *models.AuditEvent, history []*models.AuditEvent) float64 {
	if e.ActingUser == nil || len(history) == 0 {
		return 0
	}
	count := 0
	var oldest, newest = e.Timestamp, e.Timestamp
	for _, h := range history {
		if h.Timestamp.Before(oldest) {
			oldest = h.Timestamp
		}
		if h.Timestamp.After(newest) {
			newest = h.Timestamp
		}
		if h.ActingUser != nil && *h.ActingUser == *e.ActingUser {
			count++
		}
	}
	span := newest.Sub(oldest).Hours()
	if span < 1 {
		span = 1
	}
	return float64(count) / span
}

// userTypeCount is how many distinct event types the acting user produced in
// the window. A user suddenly doing many kinds of things is a signal.
func userTypeCount(e *models.AuditEvent, history []*models.AuditEvent) float64 {
	if e.ActingUser == nil {
		return 0
	}
	types := map[string]struct{}{}
	for _, h := range history {
		if h.ActingUser != nil && *h.ActingUser == *e.ActingUser {
			types[h.EventType] = struct{}{}
		}
	}
	return float64(len(types))
}

// entityCoAccess is how many distinct users touched the same entity in the
// window. High fan-in on a normally single-owner entity stands out.
func entityCoAccess(e *models.AuditEvent, history []*models.AuditEvent) float64 {
	if e.EntityType == nil || e.EntityID == nil {
		return 0
	}
	users := map[string]struct{}{}
	for _, h := range history {
		if h.EntityType == nil || h.EntityID == nil || h.ActingUser == nil {
			continue
		}
		if *h.EntityType == *e.EntityType && *h.EntityID == *e.EntityID {
			users[*h.ActingUser] = struct{}{}
		}
	}
	return float64(len(users))
}

// payloadDepth is the maximum nesting depth of the action details. A flat
// payload has depth 1, an empty one depth 0.
func payloadDepth(details map[string]interface{}) float64 {
	if len(details) == 0 {
		return 0
	}
	depth := 1.0
	for _, val := range details {
		if d := valueDepth(val); 1+d > depth {
			depth = 1 + d
		}
	}
	return depth
}

func valueDepth(v interface{}) float64 {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return 1
		}
		max := 0.0
		for _, inner := range t {
			if d := valueDepth(inner); d > max {
				max = d
			}
		}
		return 1 + max
	case []interface{}:
		max := 0.0
		for _, inner := range t {
			if d := valueDepth(inner); d > max {
				max = d
			}
		}
		return max
	default:
		return 0
	}
}

// numericDetail pulls an optional numeric measurement out of the action
// details, returning Missing when absent or non-numeric.
func numericDetail(details map[string]interface{}, key string) float64 {
	raw, ok := details[key]
	if !ok {
		return Missing
	}
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return Missing
	}
}
