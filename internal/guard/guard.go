package guard

import (
	"log/slog"

	"github.com/faturaops/backend/internal/ports"
)

// Decision is the explicit admission outcome. Callers translate it to
// protocol-level responses; no error is thrown for a policy deny.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionKillSwitched Decision = "kill_switched"
	DecisionRateLimited  Decision = "rate_limited"
	DecisionCircuitOpen  Decision = "circuit_open"
	DecisionDriftBlocked Decision = "drift_blocked"
)

// Admission runs the fixed pre-call check order for an endpoint:
// killswitch, then rate limit, then circuit-breaker precheck, then
// (optionally) drift. It is the single front door for I/O-facing requests.
type Admission struct {
	cfg      Config
	ks       *Killswitch
	limiter  *RateLimiter
	breakers *BreakerRegistry
	drift    *DriftGuard // optional
	metrics  ports.MetricsSink
	logger   *slog.Logger
}

// AdmitRequest describes one admission check.
type AdmitRequest struct {
	Endpoint   string
	TenantID   string
	Dependency string // optional; enables the circuit-breaker precheck
	Risk       RiskClass
	Drift      DriftInputProvider // optional
}

func NewAdmission(cfg Config, ks *Killswitch, limiter *RateLimiter, breakers *BreakerRegistry, drift *DriftGuard, metrics ports.MetricsSink) *Admission {
	return &Admission{
		cfg:      cfg,
		ks:       ks,
		limiter:  limiter,
		breakers: breakers,
		drift:    drift,
		metrics:  metrics,
		logger:   slog.Default().With("component", "guard_admission"),
	}
}

// Admit evaluates the guard chain. A panic anywhere inside the guard fails
// open: the request proceeds and killswitch_fallback_open_total records the
// fallback.
func (a *Admission) Admit(req AdmitRequest) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.Inc("killswitch_fallback_open_total", nil)
			a.logger.Error("guard internal failure, failing open", "panic", r)
			decision = DecisionAllow
		}
	}()

	if !a.ks.Allow(req.TenantID) {
		a.metrics.Inc("guard_denied_total", map[string]string{"endpoint": req.Endpoint, "reason": string(DecisionKillSwitched)})
		return DecisionKillSwitched
	}

	if !a.limiter.Allow(req.Endpoint, req.TenantID) {
		a.metrics.Inc("guard_denied_total", map[string]string{"endpoint": req.Endpoint, "reason": string(DecisionRateLimited)})
		return DecisionRateLimited
	}

	if req.Dependency != "" && a.cfg.CBPrecheckEnabled {
		// State check only: the half-open probe allowance is consumed by the
		// dependency wrapper that actually runs the call.
		if a.breakers.Get(req.Dependency).State() == BreakerOpen {
			a.metrics.Inc("guard_denied_total", map[string]string{"endpoint": req.Endpoint, "reason": string(DecisionCircuitOpen)})
			return DecisionCircuitOpen
		}
	}

	if a.drift != nil && req.Drift != nil {
		if blocked, _ := a.drift.Evaluate(req.Drift.DriftInput(), req.Risk); blocked {
			a.metrics.Inc("guard_denied_total", map[string]string{"endpoint": req.Endpoint, "reason": string(DecisionDriftBlocked)})
			return DecisionDriftBlocked
		}
	}

	return DecisionAllow
}
