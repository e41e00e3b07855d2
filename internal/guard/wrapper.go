package guard

import (
	"context"
	"math"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// Outcome classifies a wrapped dependency call.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeError       Outcome = "error"        // all retries exhausted, caller surfaces the error
	OutcomeCircuitOpen Outcome = "circuit_open" // failed fast on precheck, call never ran
	OutcomeFailOpen    Outcome = "fail_open"    // read-path degraded sentinel, caller decides
)

// Result is the explicit outcome of WrapperPolicy.Invoke. No exception-style
// control flow: callers switch on Outcome.
type Result struct {
	Outcome  Outcome
	Value    any
	Err      error
	Attempts int
}

// WrapperPolicy runs a dependency call with precheck, per-attempt timeout,
// bounded retry with capped exponential backoff and jitter, and an optional
// read-path fail-open. Construct per dependency via PolicyFor; the call site
// chooses only the function.
type WrapperPolicy struct {
	Dependency  string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterPct   float64
	IsWrite     bool
	FailOpen    bool
	Precheck    bool

	breaker *Breaker
	metrics ports.MetricsSink
	rng     ports.Rng

	// sleep is swapped out by tests; production uses time.Sleep.
	sleep func(time.Duration)
}

// PolicyFor builds the wrapper policy for a dependency from config.
// Writes never retry unless wrapper_retry_on_write is explicitly enabled,
// regardless of the configured attempt caps.
func PolicyFor(cfg Config, dependency string, isWrite bool, breakers *BreakerRegistry, metrics ports.MetricsSink, rng ports.Rng) *WrapperPolicy {
	timeoutSec := cfg.WrapperTimeoutSecondsDefault
	if override, ok := cfg.WrapperTimeoutSecondsByDependency[dependency]; ok && override > 0 {
		timeoutSec = override
	}

	attempts := cfg.WrapperRetryMaxAttemptsDefault
	if override, ok := cfg.WrapperRetryMaxAttemptsByDependency[dependency]; ok && override > 0 {
		attempts = override
	}
	if isWrite && !cfg.WrapperRetryOnWrite {
		attempts = 1
	}

	return &WrapperPolicy{
		Dependency:  dependency,
		Timeout:     time.Duration(timeoutSec * float64(time.Second)),
		MaxAttempts: attempts,
		BackoffBase: time.Duration(cfg.WrapperRetryBackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.WrapperRetryBackoffCapMs) * time.Millisecond,
		JitterPct:   cfg.WrapperRetryJitterPct,
		IsWrite:     isWrite,
		FailOpen:    cfg.WrapperFailOpenEnabled && !isWrite,
		Precheck:    cfg.CBPrecheckEnabled,
		breaker:     breakers.Get(dependency),
		metrics:     metrics,
		rng:         rng,
		sleep:       time.Sleep,
	}
}

// SetSleep swaps the inter-attempt sleep. The stress harness advances a
// fake clock instead of blocking.
func (p *WrapperPolicy) SetSleep(fn func(time.Duration)) {
	if fn != nil {
		p.sleep = fn
	}
}

// Invoke runs f under the policy. Attempts are strictly sequential; every
// attempt feeds the circuit breaker and the call metrics.
func (p *WrapperPolicy) Invoke(ctx context.Context, f func(ctx context.Context) (any, error)) Result {
	if p.Precheck {
		if err := p.breaker.Allow(); err != nil {
			p.metrics.Inc("dependency_call_total", map[string]string{"dependency": p.Dependency, "outcome": string(OutcomeCircuitOpen)})
			return Result{Outcome: OutcomeCircuitOpen, Err: err}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		value, err := p.runAttempt(ctx, f)
		if err == nil {
			p.breaker.RecordSuccess()
			p.metrics.Inc("dependency_call_total", map[string]string{"dependency": p.Dependency, "outcome": string(OutcomeOK)})
			return Result{Outcome: OutcomeOK, Value: value, Attempts: attempt}
		}

		lastErr = err
		p.breaker.RecordFailure()
		p.metrics.Inc("dependency_call_total", map[string]string{"dependency": p.Dependency, "outcome": string(OutcomeError)})

		if attempt < p.MaxAttempts {
			p.metrics.Inc("dependency_retry_total", map[string]string{"dependency": p.Dependency})
			p.sleep(p.backoff(attempt))
		}
	}

	if p.FailOpen {
		p.metrics.Inc("dependency_call_total", map[string]string{"dependency": p.Dependency, "outcome": string(OutcomeFailOpen)})
		return Result{Outcome: OutcomeFailOpen, Err: lastErr, Attempts: p.MaxAttempts}
	}
	return Result{Outcome: OutcomeError, Err: lastErr, Attempts: p.MaxAttempts}
}

func (p *WrapperPolicy) runAttempt(ctx context.Context, f func(ctx context.Context) (any, error)) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return f(attemptCtx)
}

// backoff computes min(base * 2^(attempt-1), cap) jittered by ±JitterPct.
func (p *WrapperPolicy) backoff(attempt int) time.Duration {
	base := float64(p.BackoffBase) * math.Pow(2, float64(attempt-1))
	if capped := float64(p.BackoffCap); base > capped {
		base = capped
	}
	if p.JitterPct > 0 && p.rng != nil {
		// Uniform in [-jitter, +jitter].
		factor := 1 + (p.rng.Random()*2-1)*p.JitterPct
		base *= factor
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
