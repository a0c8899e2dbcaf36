// Package fingerprint derives stable SHA-256 fingerprints from the immutable
// content of an audit event. Fingerprints key the classification cache: the
// same event content always produces the same fingerprint regardless of call
// context, so identical events cache-hit while any content difference, down
// to a single payload field, produces a distinct key. Keeping this in a
// dedicated package applies consistent hashing behaviour across the cache and
// classification layers without duplicating crypto/sha256 wiring.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Content is the immutable event content covered by a fingerprint.
// Derived fields (anomaly score, category) are excluded: they are computed
// FROM this content and must not feed back into the key.
type Content struct {
	TenantID      string
	EventType     string
	ActingUser    string
	EntityType    string
	EntityID      string
	Severity      string
	Timestamp     time.Time
	ActionDetails map[string]interface{}
}

// Compute returns the hex SHA-256 fingerprint of c.
func Compute(c Content) string {
	var buf bytes.Buffer
	for _, s := range []string{c.TenantID, c.EventType, c.ActingUser, c.EntityType, c.EntityID, c.Severity} {
		b, _ := json.Marshal(s)
		buf.Write(b)
		buf.WriteByte('|')
	}
	buf.WriteString(c.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteByte('|')
	writeCanonical(&buf, c.ActionDetails)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// writeCanonical renders v as JSON with recursively sorted object keys.
func writeCanonical(buf *bytes.Buffer, v interface{}) {
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
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			buf.WriteString(`"!unencodable"`)
			return
		}
		buf.Write(b)
	}
}
