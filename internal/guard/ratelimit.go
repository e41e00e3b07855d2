package guard

import (
	"sync"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// RateLimiter is a token bucket keyed by (endpoint, tenant). Each endpoint
// gets a per-minute quota from config; the bucket capacity equals the quota
// and refills continuously.
//
// State is in-process by design: under a partition each replica limits
// conservatively on its own.
type RateLimiter struct {
	mu       sync.Mutex
	clock    ports.Clock
	quotas   map[string]int // endpoint -> per-minute quota
	fallback int
	buckets  map[bucketKey]*tokenBucket
}

type bucketKey struct {
	endpoint string
	tenant   string
}

type tokenBucket struct {
	tokens   float64
	lastFill time.Time
}

func NewRateLimiter(cfg Config, clock ports.Clock) *RateLimiter {
	quotas := make(map[string]int, len(cfg.RateLimitPerMinute))
	for k, v := range cfg.RateLimitPerMinute {
		quotas[k] = v
	}
	return &RateLimiter{
		clock:    clock,
		quotas:   quotas,
		fallback: cfg.RateLimitDefaultPerMinute,
		buckets:  make(map[bucketKey]*tokenBucket),
	}
}

// Allow consumes one token for (endpoint, tenant) if available.
// A quota of zero or below disables the endpoint entirely.
func (rl *RateLimiter) Allow(endpoint, tenantID string) bool {
	quota := rl.quotaFor(endpoint)
	if quota <= 0 {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	key := bucketKey{endpoint: endpoint, tenant: tenantID}
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(quota), lastFill: now}
		rl.buckets[key] = b
	}

	// Continuous refill at quota tokens per minute, capped at capacity.
	elapsed := now.Sub(b.lastFill)
	if elapsed > 0 {
		b.tokens += elapsed.Minutes() * float64(quota)
		if b.tokens > float64(quota) {
			b.tokens = float64(quota)
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) quotaFor(endpoint string) int {
	if q, ok := rl.quotas[endpoint]; ok {
		return q
	}
	return rl.fallback
}

// ResetAll clears all buckets. Test isolation only.
func (rl *RateLimiter) ResetAll() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.buckets = make(map[bucketKey]*tokenBucket)
}

// Stats reports the live bucket count and configured quotas.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]any{
		"active_buckets":     len(rl.buckets),
		"default_per_minute": rl.fallback,
		"endpoint_quotas":    rl.quotas,
	}
}
