package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/monitoring"
	"github.com/faturaops/backend/internal/ports"
)

func testBreakerConfig() Config {
	cfg := DefaultConfig()
	cfg.CBErrorThresholdPct = 50
	cfg.CBErrorThresholdCount = 4
	cfg.CBOpenDurationSeconds = 30
	return cfg
}

func newTestBreaker() (*Breaker, *ports.FakeClock) {
	clock := ports.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	return newBreaker("dep", testBreakerConfig(), clock, nil), clock
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	// 1 failure out of 4 = 25% <= 50%: stays closed.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerTripsWhenFailurePctExceedsThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	// Window must be full first: 3 failures in 3 observations do not trip.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())

	// Fourth observation fills the window: 100% > 50% trips it.
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerExactThresholdDoesNotTrip(t *testing.T) {
	b, _ := newTestBreaker()

	// 2 of 4 = exactly 50%: strictly-greater comparison keeps it closed.
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	// First probe admitted, second rejected while the first is in flight.
	assert.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())

	// The window was wiped: a single failure does not re-trip.
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	// The cooldown restarts from the reopen.
	clock.Advance(29 * time.Second)
	assert.Equal(t, BreakerOpen, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	clock := ports.NewFakeClock(time.Now())
	reg := NewBreakerRegistry(testBreakerConfig(), clock, monitoring.NewMemorySink())

	a := reg.Get("db")
	b := reg.Get("db")
	assert.Same(t, a, b)
	assert.NotSame(t, a, reg.Get("extractor"))
}

func TestRegistryStateChangeMetric(t *testing.T) {
	clock := ports.NewFakeClock(time.Now())
	sink := monitoring.NewMemorySink()
	reg := NewBreakerRegistry(testBreakerConfig(), clock, sink)

	b := reg.Get("db")
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, 1.0, sink.Counter("circuit_state_change_total", map[string]string{"dependency": "db", "to": "OPEN"}))
}

func TestRegistryResetAll(t *testing.T) {
	clock := ports.NewFakeClock(time.Now())
	reg := NewBreakerRegistry(testBreakerConfig(), clock, monitoring.NewMemorySink())

	b := reg.Get("db")
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())

	reg.ResetAll()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, map[string]string{"db": "CLOSED"}, reg.States())
}
