package stress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// FaultPoint names an injection point.
type FaultPoint string

const (
	FaultDBTimeout        FaultPoint = "DB_TIMEOUT"
	FaultExternal5xxBurst FaultPoint = "EXTERNAL_5XX_BURST"
	FaultKillswitchToggle FaultPoint = "KILLSWITCH_TOGGLE"
	FaultRateLimitSpike   FaultPoint = "RATE_LIMIT_SPIKE"
	FaultGuardInternal    FaultPoint = "GUARD_INTERNAL_ERROR"
)

// ErrInjected marks every injector-produced failure.
var ErrInjected = errors.New("injected fault")

// Injector is the per-process fault injector. There is one instance per
// Runtime, passed explicitly; the scenario runner resets it in a deferred
// cleanup so no fault outlives its scenario, even on panic.
type Injector struct {
	mu     sync.Mutex
	clock  ports.Clock
	active map[FaultPoint]faultEntry
}

type faultEntry struct {
	expiresAt time.Time
	params    map[string]any
}

func NewInjector(clock ports.Clock) *Injector {
	return &Injector{clock: clock, active: make(map[FaultPoint]faultEntry)}
}

// Enable arms a fault point for ttl. A zero ttl keeps it armed until
// Reset.
func (i *Injector) Enable(point FaultPoint, ttl time.Duration, params map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry := faultEntry{params: params}
	if ttl > 0 {
		entry.expiresAt = i.clock.Now().Add(ttl)
	}
	i.active[point] = entry
}

// Active reports whether the point is currently armed.
func (i *Injector) Active(point FaultPoint) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeLocked(point)
}

func (i *Injector) activeLocked(point FaultPoint) bool {
	entry, ok := i.active[point]
	if !ok {
		return false
	}
	if !entry.expiresAt.IsZero() && i.clock.Now().After(entry.expiresAt) {
		delete(i.active, point)
		return false
	}
	return true
}

// Fire returns an injected error when the point is armed, nil otherwise.
// Satisfies guard.FaultHook for string-named points.
func (i *Injector) Fire(point string) error {
	return i.FirePoint(FaultPoint(point))
}

// FirePoint is Fire with a typed point.
func (i *Injector) FirePoint(point FaultPoint) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.activeLocked(point) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInjected, point)
}

// Params returns the parameters the point was armed with.
func (i *Injector) Params(point FaultPoint) map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.activeLocked(point) {
		return nil
	}
	return i.active[point].params
}

// Reset disables every injection point. Called unconditionally in scenario
// teardown.
func (i *Injector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active = make(map[FaultPoint]faultEntry)
}

// ActiveCount reports how many points are armed; tests assert it drops to
// zero after teardown.
func (i *Injector) ActiveCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for point := range i.active {
		if i.activeLocked(point) {
			n++
		}
	}
	return n
}
