package ports

import (
	"sync"
	"time"
)

// SystemClock is the production Clock.
type SystemClock struct {
	origin time.Time
	once   sync.Once
}

func NewSystemClock() *SystemClock {
	c := &SystemClock{}
	c.once.Do(func() { c.origin = time.Now() })
	return c
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) MonotonicNowMs() int64 {
	return time.Since(c.origin).Milliseconds()
}

// FakeClock is a manually-advanced Clock for tests and the stress harness.
// Advance is safe for concurrent use with Now.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) MonotonicNowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.UnixMilli()
}

// Advance moves the clock forward (or backward, for clock-jump fault
// scenarios) by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to an absolute instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
