// Package idutil provides timestamp parsing, id generation, and stable
// hashing used across the engines for dedup and staleness detection —
// grounded on the same "keep a hash of the last applied payload" idea the
// teacher's market book keeps per asset, generalized here to a shared
// helper any engine can call.
package idutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ParseTimestamp parses the exchange's ISO-8601 timestamp format
// (2006-01-02T15:04:05.000Z), falling back to RFC3339Nano for payloads
// that carry extra precision.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("idutil: empty timestamp")
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("idutil: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// NewClOrdID generates a fresh client order id for placements that didn't
// supply one (spec.md §6.4).
func NewClOrdID() string {
	return uuid.NewString()
}

// NewCorrelationID generates an id for correlating a REST request with its
// response in logs.
func NewCorrelationID() string {
	return uuid.NewString()
}

// StableHash returns a deterministic 64-bit hash of v's canonical JSON
// encoding: map keys are sorted via json.Marshal's own key-sort behavior,
// so semantically identical payloads always hash equal regardless of
// field arrival order. Used to detect no-op position updates.
func StableHash(v interface{}) (uint64, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return 0, fmt.Errorf("idutil: canonicalize: %w", err)
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return 0, fmt.Errorf("idutil: marshal canonical form: %w", err)
	}
	return xxhash.Sum64(b), nil
}

// canonicalize round-trips v through json.Marshal/Unmarshal into a
// map[string]interface{} (or passes through scalars/slices) so struct
// field order never affects the hash — only values do.
func canonicalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return sortedCopy(generic), nil
}

// sortedCopy recursively rewrites maps into a form whose JSON encoding is
// deterministic. encoding/json already sorts map[string]interface{} keys
// on marshal, so this just needs to recurse into nested structures.
func sortedCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}
