// alert.go defines the Alert and BiasAlert models produced by the alert and
// bias monitor. Alerts are immutable once created except for the downstream
// "sent" acknowledgment.
package models

import "time"

// Alert is raised for every anomaly record. Severity is the monotonic
// combination of the anomaly score band and the underlying event severity
// (ties resolve toward the higher of the two).
type Alert struct {
	ID              string
	TenantID        string
	AnomalyRecordID string
	EventID         string
	Severity        Severity
	Message         string
	// ReviewRequired marks low-confidence AI output that must be looked at
	// by a human rather than silently trusted or discarded.
	ReviewRequired bool
	Sent           bool
	SentAt         *time.Time
	CreatedAt      time.Time
}

// BiasAlert is raised when anomaly detection rates diverge too far across
// groups (user role, department, or entity type) within a comparison window.
type BiasAlert struct {
	ID             string
	GroupDimension string // "role", "department", or "entity_type"
	WindowStart    time.Time
	WindowEnd      time.Time
	MaxGroup       string
	MaxRate        float64
	MinGroup       string
	MinRate        float64
	// Gap is max rate minus min rate, in percentage points / 100.
	Gap       float64
	CreatedAt time.Time
}
