package stress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/monitoring"
	"github.com/faturaops/backend/internal/ports"
)

// Scenario is one deterministic load run against a synthetic dependency.
// Everything that varies is derived from Seed, so the same scenario always
// produces the same report row.
type Scenario struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Profile     LoadProfile  `json:"profile"`
	Seed        int64        `json:"seed"`
	Dependency  string       `json:"dependency"`
	IsWrite     bool         `json:"is_write"`
	FailureRate float64      `json:"failure_rate"` // base probability a call fails
	Scale       float64      `json:"scale"`
	Faults      []ArmedFault `json:"faults,omitempty"`
	// FaultSchedule perturbs individual steps: event i applies to call i.
	// Typically generated with GenerateSchedule from the scenario seed.
	FaultSchedule []FaultEvent   `json:"fault_schedule,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// ArmedFault arms one injection point for the duration of the scenario.
type ArmedFault struct {
	Point  FaultPoint     `json:"point"`
	TTL    time.Duration  `json:"ttl"`
	Params map[string]any `json:"params,omitempty"`
}

// ScenarioResult is the measured outcome of one run.
type ScenarioResult struct {
	ScenarioID    string           `json:"scenario_id"`
	ScenarioName  string           `json:"scenario_name"`
	Seed          int64            `json:"seed"`
	IsWrite       bool             `json:"is_write"`
	TotalCalls    int              `json:"total_calls"`
	OKCalls       int              `json:"ok_calls"`
	RetryCount    int              `json:"retry_count"`
	FailopenCount int              `json:"failopen_count"`
	CBOpened      bool             `json:"cb_opened"`
	P95LatencyMs  float64          `json:"p95_latency_ms"`
	InvariantOK   bool             `json:"invariant_ok"`
	Deltas        []MetricDelta    `json:"metric_deltas,omitempty"`
	Diagnostics   []FailDiagnostic `json:"diagnostics,omitempty"`
}

// Runner executes scenarios against a fresh guard stack per run. The run
// is fully synthetic: the dependency is simulated, latencies are derived
// from the seed, and the fake clock advances instead of real time passing.
type Runner struct {
	cfg    guard.Config
	logger *slog.Logger

	// preCall, when set, runs before each synthetic call. Lets tests drive
	// failure modes the synthetic dependency cannot produce on its own.
	preCall func(step int)
}

func NewRunner(cfg guard.Config) *Runner {
	return &Runner{cfg: cfg, logger: slog.Default().With("component", "stress_runner")}
}

// Run executes one scenario. The injector is reset in a deferred cleanup,
// so no armed fault outlives the scenario even when the run panics.
func (r *Runner) Run(sc Scenario) (result ScenarioResult) {
	clock := ports.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rng := ports.NewSeededRng(sc.Seed)
	sink := monitoring.NewMemorySink()
	breakers := guard.NewBreakerRegistry(r.cfg, clock, sink)
	injector := NewInjector(clock)

	defer injector.Reset()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("scenario panicked", "scenario", sc.Name, "panic", p)
			result = ScenarioResult{
				ScenarioID:   sc.ID,
				ScenarioName: sc.Name,
				Seed:         sc.Seed,
				IsWrite:      sc.IsWrite,
				InvariantOK:  false,
				Diagnostics: []FailDiagnostic{{
					ScenarioID: sc.ID,
					Expected:   "run completes without panic",
					Observed:   0,
					Seed:       sc.Seed,
				}},
			}
		}
	}()

	for _, f := range sc.Faults {
		injector.Enable(f.Point, f.TTL, f.Params)
	}

	policy := guard.PolicyFor(r.cfg, sc.Dependency, sc.IsWrite, breakers, sink, rng)
	policy.SetSleep(func(d time.Duration) { clock.Advance(d) })

	capture := NewCapture(sink)
	capture.Begin()

	total := sc.Profile.ScaledRequests(sc.Scale)
	latencies := make([]float64, 0, total)
	okCalls := 0

	for i := 0; i < total; i++ {
		var ev FaultEvent
		if i < len(sc.FaultSchedule) {
			ev = sc.FaultSchedule[i]
		}
		switch ev.Action {
		case ActionClockJumpForward:
			clock.Advance(time.Duration(paramInt(ev.Params, "delta_ms")) * time.Millisecond)
		case ActionClockJumpBackward:
			clock.Advance(-time.Duration(paramInt(ev.Params, "delta_ms")) * time.Millisecond)
		}

		callLatency := r.syntheticLatencyMs(rng, injector)
		fail := r.shouldFail(rng, sc.FailureRate, injector)
		truncated := false
		switch ev.Action {
		case ActionFail:
			fail = true
		case ActionTimeout:
			callLatency += float64(paramInt(ev.Params, "delay_ms"))
		case ActionTruncate:
			truncated = true
		}

		if r.preCall != nil {
			r.preCall(i)
		}

		res := policy.Invoke(context.Background(), func(ctx context.Context) (any, error) {
			clock.Advance(time.Duration(callLatency * float64(time.Millisecond)))
			if err := injector.FirePoint(FaultGuardInternal); err != nil {
				return nil, err
			}
			if truncated {
				return nil, fmt.Errorf("%w: response truncated at %d%%", ErrInjected, paramInt(ev.Params, "pct"))
			}
			if fail {
				return nil, fmt.Errorf("%w: synthetic dependency failure", ErrInjected)
			}
			return map[string]any{"status": "ok"}, nil
		})

		latencies = append(latencies, callLatency)
		if res.Outcome == guard.OutcomeOK {
			okCalls++
		}
		// One simulated tick between requests keeps TTL faults honest.
		clock.Advance(10 * time.Millisecond)
	}

	deltas, diags := capture.End(sc.ID, sc.Seed)

	cbOpened := DeltaSumWhere(deltas, "dependency_call_total", "outcome=circuit_open") > 0
	if !cbOpened {
		for _, state := range breakers.States() {
			if state == guard.BreakerOpen.String() {
				cbOpened = true
				break
			}
		}
	}

	result = ScenarioResult{
		ScenarioID:    sc.ID,
		ScenarioName:  sc.Name,
		Seed:          sc.Seed,
		IsWrite:       sc.IsWrite,
		TotalCalls:    total,
		OKCalls:       okCalls,
		RetryCount:    int(DeltaSum(deltas, "dependency_retry_total")),
		FailopenCount: int(DeltaSumWhere(deltas, "dependency_call_total", "outcome=fail_open") + DeltaSum(deltas, "killswitch_fallback_open_total")),
		CBOpened:      cbOpened,
		P95LatencyMs:  percentile(latencies, 0.95),
		InvariantOK:   len(diags) == 0,
		Deltas:        deltas,
		Diagnostics:   diags,
	}
	return result
}

// shouldFail decides one call's fate from the seeded rng and the armed
// fault points. The rng draw happens unconditionally so call outcomes stay
// aligned across runs that differ only in armed faults.
func (r *Runner) shouldFail(rng ports.Rng, baseRate float64, injector *Injector) bool {
	draw := rng.Random()
	rate := baseRate
	if injector.Active(FaultExternal5xxBurst) {
		rate = 1.0
	}
	if injector.Active(FaultDBTimeout) {
		rate = 1.0
	}
	return draw < rate
}

// syntheticLatencyMs draws a deterministic latency for one call.
func (r *Runner) syntheticLatencyMs(rng ports.Rng, injector *Injector) float64 {
	ms := 5 + rng.Random()*20
	if params := injector.Params(FaultDBTimeout); params != nil {
		if delay, ok := params["delay_ms"].(int); ok {
			ms += float64(delay)
		}
	}
	return ms
}

// paramInt reads an int fault parameter; float64 covers values that went
// through a JSON round-trip.
func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// percentile computes the pth percentile with nearest-rank rounding.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted))*p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
