// Package fingerprint produces the stable SHA-256-derived keys the rest of
// the system deduplicates and samples by.
//
// Everything here must be bit-stable across processes and releases: incident
// dedup, drift-guard baselines and shadow sampling all compare these values
// between runs. Never substitute a per-process randomized hash.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DedupeKey returns the hex SHA-256 of the incident identity fields joined
// with '|'. No time-varying field participates: period is the invoice
// period (YYYY-MM), not an event timestamp.
func DedupeKey(provider, invoiceID, primaryFlag, category, actionCode, period string) string {
	joined := strings.Join([]string{provider, invoiceID, primaryFlag, category, actionCode, period}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// DedupeBucket returns the integer UTC epoch-day for t. Advancing the
// bucket is what re-alerts an otherwise-deduplicated incident every 24h.
func DedupeBucket(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// CanonicalJSON serializes v with deterministic key ordering.
// encoding/json sorts map keys, so a map-shaped value round-trips to the
// same bytes on every process.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return data, nil
}

// ConfigHash returns a truncated (16 hex chars) SHA-256 over the canonical
// JSON serialization of v. Used by the drift guard's baseline comparison.
func ConfigHash(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// SampleBucket maps key into [0, buckets) by SHA-256, so that sampling
// decisions (e.g. shadow-validation by invoice_id) agree across processes.
func SampleBucket(key string, buckets uint64) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8]) % buckets
}
