package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeKeyStable(t *testing.T) {
	a := DedupeKey("ck", "INV1", "CALC_BUG", "CALC", "ENGINE_REGRESSION", "2025-01")
	b := DedupeKey("ck", "INV1", "CALC_BUG", "CALC", "ENGINE_REGRESSION", "2025-01")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Any identity field changes the key.
	c := DedupeKey("ck", "INV1", "CALC_BUG", "CALC", "ENGINE_REGRESSION", "2025-02")
	assert.NotEqual(t, a, c)
}

func TestDedupeKeyFieldBoundaries(t *testing.T) {
	// The joiner must keep field boundaries distinct.
	a := DedupeKey("ab", "c", "x", "y", "z", "p")
	b := DedupeKey("a", "bc", "x", "y", "z", "p")
	assert.NotEqual(t, a, b)
}

func TestDedupeBucketUTCDayBoundary(t *testing.T) {
	before := time.Date(2025, 1, 10, 23, 59, 59, 0, time.UTC)
	after := time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, DedupeBucket(before)+1, DedupeBucket(after))

	// Same instant in another zone maps to the same bucket.
	istanbul := time.FixedZone("TRT", 3*3600)
	assert.Equal(t, DedupeBucket(before), DedupeBucket(before.In(istanbul)))
}

func TestCanonicalJSONDeterministicKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(a))
}

func TestConfigHashTruncated(t *testing.T) {
	h, err := ConfigHash(map[string]any{"threshold": 50})
	require.NoError(t, err)
	assert.Len(t, h, 16)

	same, err := ConfigHash(map[string]any{"threshold": 50})
	require.NoError(t, err)
	assert.Equal(t, h, same)

	other, err := ConfigHash(map[string]any{"threshold": 51})
	require.NoError(t, err)
	assert.NotEqual(t, h, other)
}

func TestSampleBucketRangeAndStability(t *testing.T) {
	const buckets = 10000
	seen := map[uint64]bool{}
	for _, key := range []string{"inv-1", "inv-2", "inv-3", "inv-4", "inv-5"} {
		b := SampleBucket(key, buckets)
		assert.Less(t, b, uint64(buckets))
		assert.Equal(t, b, SampleBucket(key, buckets), "key %s must be stable", key)
		seen[b] = true
	}
	// Five distinct keys landing in one bucket would mean a broken hash.
	assert.Greater(t, len(seen), 1)
}
