// Package models - audit_event.go defines the AuditEvent model: one immutable,
// hash-chained record of a system action within a tenant. Events are append-only;
// the only writes after creation are the bounded async fill-ins for anomaly
// scoring and classification, and both are first-write-wins.
package models

import "time"

// Severity is the ordered severity of the underlying event.
type Severity string

// Severity levels, ordered from least to most severe.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity, or -1 if unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// RiskLevel is the ordered risk classification assigned to an event.
type RiskLevel string

// Risk levels, ordered from least to most risky.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level, or -1 if unknown.
func (r RiskLevel) Rank() int {
	if v, ok := riskRank[r]; ok {
		return v
	}
	return -1
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool { return r.Rank() >= 0 }

// Categories form the fixed classification taxonomy. Classification never
// invents a category outside this list; anything unrecognized is "other".
const (
	CategoryAuth             = "auth"
	CategoryDataAccess       = "data_access"
	CategoryDataModification = "data_modification"
	CategoryConfiguration    = "configuration"
	CategorySecurity         = "security"
	CategoryWorkflow         = "workflow"
	CategoryIntegration      = "integration"
	CategoryOther            = "other"
)

// Categories lists the full taxonomy in a stable order.
func Categories() []string {
	return []string{
		CategoryAuth, CategoryDataAccess, CategoryDataModification,
		CategoryConfiguration, CategorySecurity, CategoryWorkflow,
		CategoryIntegration, CategoryOther,
	}
}

// AuditEvent represents one immutable audit trail entry.
//
// Hash covers every immutable field (everything except Hash itself and the
// async fill-ins AnomalyScore/IsAnomaly/Category/RiskLevel/Tags); PreviousHash
// is the hash of the chronologically preceding event in the same tenant's
// chain, or the genesis constant for the tenant's first event.
type AuditEvent struct {
	ID              string
	TenantID        string
	EventType       string
	ActingUser      *string // Nullable for system actions
	ActorRole       *string // From the authenticated identity, for bias monitoring
	ActorDepartment *string
	EntityType      *string // Affected object reference
	EntityID        *string
	ActionDetails   map[string]interface{} // Arbitrary-depth payload; encrypted at rest
	Severity        Severity
	IPAddress       *string // Encrypted at rest
	UserAgent       *string // Encrypted at rest
	Timestamp       time.Time
	Seq             int64 // Insertion sequence; breaks timestamp ties, orders the chain

	// Async fill-ins. AnomalyScore/IsAnomaly are set once by the scoring
	// sweep; Category/RiskLevel/Tags once by the classification path.
	AnomalyScore *float64
	IsAnomaly    bool
	Category     *string
	RiskLevel    *RiskLevel
	Tags         []string

	Hash         string
	PreviousHash string
	CreatedAt    time.Time
}

// EventDraft is the ingestion input for one event. Identity fields
// (tenant, acting user, role, department, IP) come from the authenticated
// request context, never from the draft payload itself.
type EventDraft struct {
	EventType       string
	ActingUser      *string
	ActorRole       *string
	ActorDepartment *string
	EntityType      *string
	EntityID        *string
	ActionDetails   map[string]interface{}
	Severity        Severity
	IPAddress       *string
	UserAgent       *string
	Timestamp       time.Time
}
