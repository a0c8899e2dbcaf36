// Package hashchain computes and verifies the cryptographic linkage between
// consecutive audit events within a tenant. Each event's hash is a SHA-256
// digest over a canonical serialization of all its immutable fields, and
// embeds the hash of its chronological predecessor, so retroactively altering
// any stored event breaks the chain from that point forward.
//
// Verification only detects and reports; it never repairs. A detected break is
// surfaced to the caller, which is responsible for raising a CRITICAL
// integrity alert.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/projectpulse/audit-engine/internal/db/models"
)

// GenesisHash is the fixed previous_hash of the first event in every tenant's
// chain. A recognizable constant rather than an empty string so a missing
// value can never masquerade as a valid genesis link.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// EventFields carries the immutable fields covered by the content digest.
// The hash itself and the async fill-ins (anomaly score, classification) are
// excluded: the fill-ins are derived data written after the chain link is
// sealed, and including them would make scoring look like tampering.
type EventFields struct {
	ID              string
	TenantID        string
	EventType       string
	ActingUser      *string
	ActorRole       *string
	ActorDepartment *string
	EntityType      *string
	EntityID        *string
	ActionDetails   map[string]interface{}
	Severity        string
	IPAddress       *string
	UserAgent       *string
	Timestamp       time.Time
	PreviousHash    string
}

// FieldsFromEvent extracts the hashed fields from a stored event.
func FieldsFromEvent(e *models.AuditEvent) EventFields {
	return EventFields{
		ID:              e.ID,
		TenantID:        e.TenantID,
		EventType:       e.EventType,
		ActingUser:      e.ActingUser,
		ActorRole:       e.ActorRole,
		ActorDepartment: e.ActorDepartment,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		ActionDetails:   e.ActionDetails,
		Severity:        string(e.Severity),
		IPAddress:       e.IPAddress,
		UserAgent:       e.UserAgent,
		Timestamp:       e.Timestamp,
		PreviousHash:    e.PreviousHash,
	}
}

// Compute returns the SHA-256 digest of the canonical serialization of f,
// prefixed "sha256:". Deterministic: identical fields always produce an
// identical digest, independent of map iteration order.
func Compute(f EventFields) string {
	var buf bytes.Buffer

	// Fixed field order; one labelled segment per field so adjacent fields
	// can never collide by shifting bytes between segments.
	writeSegment(&buf, "id", f.ID)
	writeSegment(&buf, "tenant_id", f.TenantID)
	writeSegment(&buf, "event_type", f.EventType)
	writeSegment(&buf, "acting_user", deref(f.ActingUser))
	writeSegment(&buf, "actor_role", deref(f.ActorRole))
	writeSegment(&buf, "actor_department", deref(f.ActorDepartment))
	writeSegment(&buf, "entity_type", deref(f.EntityType))
	writeSegment(&buf, "entity_id", deref(f.EntityID))

	buf.WriteString("action_details=")
	canonicalJSON(&buf, f.ActionDetails)
	buf.WriteByte('\n')

	writeSegment(&buf, "severity", f.Severity)
	writeSegment(&buf, "ip_address", deref(f.IPAddress))
	writeSegment(&buf, "user_agent", deref(f.UserAgent))
	writeSegment(&buf, "timestamp", f.Timestamp.UTC().Format(time.RFC3339Nano))
	writeSegment(&buf, "previous_hash", f.PreviousHash)

	sum := sha256.Sum256(buf.Bytes())
	return "sha256:" + hex.EncodeToString(sum[:])
}

func writeSegment(buf *bytes.Buffer, label, value string) {
	buf.WriteString(label)
	buf.WriteByte('=')
	// JSON-encode the value so embedded newlines or '=' cannot forge
	// segment boundaries.
	b, _ := json.Marshal(value)
	buf.Write(b)
	buf.WriteByte('\n')
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// canonicalJSON writes v as JSON with object keys sorted recursively, giving
// a stable byte sequence for arbitrary-depth payloads.
func canonicalJSON(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			canonicalJSON(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			canonicalJSON(buf, item)
		}
		buf.WriteByte(']')
	default:
		// Scalars (strings, numbers, booleans) have a single JSON encoding.
		b, err := json.Marshal(val)
		if err != nil {
			// Unmarshalable values cannot appear in payloads that arrived as
			// JSON; render a typed placeholder rather than dropping bytes.
			fmt.Fprintf(buf, "%q", fmt.Sprintf("!unencodable(%T)", val))
			return
		}
		buf.Write(b)
	}
}

// VerificationResult reports the outcome of a chain walk.
type VerificationResult struct {
	Intact bool
	// BreakPoint is the ID of the first event at which the chain fails
	// verification; nil when intact.
	BreakPoint *string
	// Checked is the number of events examined.
	Checked int
}

// Verify re-walks events (which must be in chain order: timestamp, then
// insertion sequence) and confirms that every stored hash matches its
// recomputed digest and that every previous_hash equals the prior event's
// hash. priorHash is the hash the first event must link to: GenesisHash when
// the range starts at the beginning of the tenant's chain, otherwise the hash
// of the event immediately preceding the range.
func Verify(events []*models.AuditEvent, priorHash string) VerificationResult {
	prev := priorHash
	for i, e := range events {
		if e.PreviousHash != prev {
			id := e.ID
			return VerificationResult{Intact: false, BreakPoint: &id, Checked: i + 1}
		}
		if recomputed := Compute(FieldsFromEvent(e)); recomputed != e.Hash {
			id := e.ID
			return VerificationResult{Intact: false, BreakPoint: &id, Checked: i + 1}
		}
		prev = e.Hash
	}
	return VerificationResult{Intact: true, Checked: len(events)}
}
