package guard

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerHalfOpen                     // probing for recovery
	BreakerOpen                         // failing fast
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is the fail-fast outcome of a precheck against an open
// breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is a per-dependency three-state circuit breaker. It trips from
// Closed to Open when the rolling failure ratio over the last
// thresholdCount observations exceeds thresholdPct, cools down to HalfOpen
// after openDuration, and closes again on the first successful probe.
type Breaker struct {
	name          string
	thresholdPct  float64
	lastN         int
	openDuration  time.Duration
	clock         ports.Clock
	onStateChange func(name string, from, to BreakerState)

	mu         sync.Mutex
	state      BreakerState
	window     []bool // rolling outcome ring, true = failure
	windowPos  int
	windowLen  int
	openedAt   time.Time
	probing    bool // half-open probe allowance: one in-flight probe
	lastChange time.Time
}

func newBreaker(name string, cfg Config, clock ports.Clock, onChange func(string, BreakerState, BreakerState)) *Breaker {
	return &Breaker{
		name:          name,
		thresholdPct:  cfg.CBErrorThresholdPct,
		lastN:         cfg.CBErrorThresholdCount,
		openDuration:  time.Duration(cfg.CBOpenDurationSeconds) * time.Second,
		clock:         clock,
		onStateChange: onChange,
		window:        make([]bool, cfg.CBErrorThresholdCount),
		lastChange:    clock.Now(),
	}
}

// Allow reports whether a call may proceed. In HalfOpen at most one probe
// is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.observe(false)
	case BreakerHalfOpen:
		// First successful probe closes the circuit.
		b.setState(BreakerClosed)
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.observe(true)
		if b.windowLen >= b.lastN && b.failurePct() > b.thresholdPct {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

// State returns the effective state, promoting Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.openDuration {
		b.setState(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) observe(failure bool) {
	b.window[b.windowPos] = failure
	b.windowPos = (b.windowPos + 1) % b.lastN
	if b.windowLen < b.lastN {
		b.windowLen++
	}
}

func (b *Breaker) failurePct() float64 {
	if b.windowLen == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.windowLen; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowLen) * 100
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastChange = b.clock.Now()
	b.probing = false

	switch to {
	case BreakerOpen:
		b.openedAt = b.clock.Now()
	case BreakerClosed:
		b.window = make([]bool, b.lastN)
		b.windowPos = 0
		b.windowLen = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// reset restores the breaker to a fresh Closed state.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.window = make([]bool, b.lastN)
	b.windowPos = 0
	b.windowLen = 0
	b.probing = false
	b.lastChange = b.clock.Now()
}

// BreakerRegistry holds one Breaker per dependency name.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	clock    ports.Clock
	metrics  ports.MetricsSink
	logger   *slog.Logger
}

func NewBreakerRegistry(cfg Config, clock ports.Clock, metrics ports.MetricsSink) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clock:    clock,
		metrics:  metrics,
		logger:   slog.Default().With("component", "circuit_breaker"),
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *BreakerRegistry) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring the write lock.
	if b, ok = r.breakers[dependency]; ok {
		return b
	}
	b = newBreaker(dependency, r.cfg, r.clock, r.stateChanged)
	r.breakers[dependency] = b
	return b
}

func (r *BreakerRegistry) stateChanged(name string, from, to BreakerState) {
	r.logger.Warn("circuit state change", "dependency", name, "from", from.String(), "to", to.String())
	r.metrics.Inc("circuit_state_change_total", map[string]string{"dependency": name, "to": to.String()})
}

// ResetAll restores every breaker to Closed. Test isolation only.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.reset()
	}
}

// States snapshots every breaker's state for the stats endpoint.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
