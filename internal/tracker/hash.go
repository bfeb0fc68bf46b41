package tracker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/Mschirtzinger/offsync/internal/entity"
)

// HashDomain separates record hashes from any other SHA-256 use. The
// version suffix allows the canonical form to evolve.
const HashDomain = "offsync/record/v1"

// auditFields are never part of the content hash. Metadata writes by the
// persistence layer must not look like content changes.
var auditFields = map[string]bool{
	"created_at": true,
	"created_by": true,
	"updated_at": true,
	"updated_by": true,
	"deleted_at": true,
	"deleted_by": true,
	"is_deleted": true,
}

// ComputeEntityHash returns a stable fingerprint of rec's significant
// content. Audit fields and the given volatile fields are excluded. A
// tombstone hashes only its id and deletion flag, so the same deletion
// applied on both sides converges regardless of the fields left behind.
//
// Format: hex(SHA256(HashDomain + 0x00 + canonical JSON)).
func ComputeEntityHash(rec *entity.Record, volatile []string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("cannot hash a nil record")
	}

	doc := map[string]any{
		"id":      norm.NFC.String(rec.ID),
		"deleted": rec.Deleted,
	}
	if !rec.Deleted {
		skip := make(map[string]bool, len(volatile))
		for _, f := range volatile {
			skip[f] = true
		}
		fields := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			if auditFields[k] || skip[k] {
				continue
			}
			fields[norm.NFC.String(k)] = normalize(v)
		}
		doc["fields"] = fields
	}

	canonical, err := marshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", rec.ID, err)
	}

	h := sha256.New()
	h.Write([]byte(HashDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// marshalCanonical encodes v with sorted map keys (encoding/json's map
// order), without HTML escaping and without a trailing newline.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// normalize applies NFC to every string, including nested map keys, so
// visually identical text produced by different platforms hashes the same.
func normalize(v any) any {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = norm.NFC.String(x[i])
		}
		return out
	case json.Number:
		return canonicalNumber(x)
	default:
		return v
	}
}

// canonicalNumber renders integers and floats the way encoding/json would
// for a float64 so that a store returning json.Number hashes the same as
// one returning native numbers.
func canonicalNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}
