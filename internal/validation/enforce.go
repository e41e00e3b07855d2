package validation

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/faturaops/backend/internal/ports"
)

// Mode is the enforcement mode dispatch.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeShadow      Mode = "shadow"
	ModeEnforceSoft Mode = "enforce_soft"
	ModeEnforceHard Mode = "enforce_hard"
)

// Verdict is the enforcement decision. Only EnforceHard ever yields
// VerdictBlock; the error list rides along instead of an exception.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Decision is the enforcement outcome handed back to the pipeline.
type Decision struct {
	Verdict      Verdict `json:"verdict"`
	Result       Result  `json:"result"`
	BlockerCodes []Code  `json:"blocker_codes,omitempty"`
}

// defaultBlockerCodes is the EnforceHard blocker set, overridable via
// INVOICE_VALIDATION_BLOCKER_CODES.
var defaultBlockerCodes = []Code{
	CodeInvalidETTN,
	CodeInconsistentPeriods,
	CodeReactivePenaltyMismatch,
	CodeTotalMismatch,
	CodePayableTotalMismatch,
}

// EnforcementConfig is loaded once from environment.
type EnforcementConfig struct {
	Mode             Mode
	BlockerCodes     map[Code]struct{}
	ShadowSampleRate float64
	ShadowWhitelist  []string
}

func DefaultEnforcementConfig() EnforcementConfig {
	blockers := make(map[Code]struct{}, len(defaultBlockerCodes))
	for _, c := range defaultBlockerCodes {
		blockers[c] = struct{}{}
	}
	return EnforcementConfig{
		Mode:             ModeShadow,
		BlockerCodes:     blockers,
		ShadowSampleRate: 0.01,
	}
}

// LoadEnforcementConfig reads INVOICE_VALIDATION_* from environment with
// safe fallbacks; unknown modes fall back to shadow, the sample rate is
// clamped to [0, 1].
func LoadEnforcementConfig() EnforcementConfig {
	cfg := DefaultEnforcementConfig()

	switch Mode(strings.ToLower(strings.TrimSpace(os.Getenv("INVOICE_VALIDATION_MODE")))) {
	case ModeOff:
		cfg.Mode = ModeOff
	case ModeShadow:
		cfg.Mode = ModeShadow
	case ModeEnforceSoft:
		cfg.Mode = ModeEnforceSoft
	case ModeEnforceHard:
		cfg.Mode = ModeEnforceHard
	}

	if raw := strings.TrimSpace(os.Getenv("INVOICE_VALIDATION_BLOCKER_CODES")); raw != "" {
		blockers := map[Code]struct{}{}
		for _, part := range strings.Split(raw, ",") {
			if code := strings.TrimSpace(part); code != "" {
				blockers[Code(code)] = struct{}{}
			}
		}
		cfg.BlockerCodes = blockers
	}

	if raw := strings.TrimSpace(os.Getenv("INVOICE_SHADOW_SAMPLE_RATE")); raw != "" {
		if rate, err := strconv.ParseFloat(raw, 64); err == nil {
			if rate < 0 {
				rate = 0
			}
			if rate > 1 {
				rate = 1
			}
			cfg.ShadowSampleRate = rate
		}
	}

	if raw := strings.TrimSpace(os.Getenv("INVOICE_SHADOW_WHITELIST")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				cfg.ShadowWhitelist = append(cfg.ShadowWhitelist, p)
			}
		}
	}
	return cfg
}

// Enforcer runs the validator under the configured mode.
type Enforcer struct {
	cfg     EnforcementConfig
	shadow  *ShadowComparer
	metrics ports.MetricsSink
	logger  *slog.Logger
}

func NewEnforcer(cfg EnforcementConfig, shadow *ShadowComparer, metrics ports.MetricsSink) *Enforcer {
	return &Enforcer{
		cfg:     cfg,
		shadow:  shadow,
		metrics: metrics,
		logger:  slog.Default().With("component", "validation_enforcer"),
	}
}

// Evaluate validates the invoice and dispatches on the enforcement mode.
func (e *Enforcer) Evaluate(invoiceID string, inv map[string]any) Decision {
	if e.cfg.Mode == ModeOff {
		return Decision{Verdict: VerdictPass, Result: Result{Valid: true}}
	}

	result := Validate(inv)

	switch e.cfg.Mode {
	case ModeShadow:
		if e.shadow != nil {
			e.shadow.Compare(invoiceID, result, inv)
		}
		return Decision{Verdict: VerdictPass, Result: result}

	case ModeEnforceSoft:
		if !result.Valid {
			e.metrics.Inc("validation_warn_total", map[string]string{"mode": string(ModeEnforceSoft)})
			e.logger.Warn("invoice failed validation (soft)", "invoice_id", invoiceID, "error_count", len(result.Errors))
			return Decision{Verdict: VerdictWarn, Result: result}
		}
		return Decision{Verdict: VerdictPass, Result: result}

	case ModeEnforceHard:
		if result.Valid {
			return Decision{Verdict: VerdictPass, Result: result}
		}
		blockers := e.blockersIn(result)
		if len(blockers) > 0 {
			e.metrics.Inc("validation_block_total", map[string]string{"mode": string(ModeEnforceHard)})
			e.logger.Warn("invoice blocked by validation", "invoice_id", invoiceID, "blockers", len(blockers))
			return Decision{Verdict: VerdictBlock, Result: result, BlockerCodes: blockers}
		}
		e.metrics.Inc("validation_warn_total", map[string]string{"mode": string(ModeEnforceHard)})
		return Decision{Verdict: VerdictWarn, Result: result}
	}

	return Decision{Verdict: VerdictPass, Result: result}
}

func (e *Enforcer) blockersIn(result Result) []Code {
	var out []Code
	seen := map[Code]struct{}{}
	for _, issue := range result.Errors {
		if _, blocker := e.cfg.BlockerCodes[issue.Code]; !blocker {
			continue
		}
		if _, dup := seen[issue.Code]; dup {
			continue
		}
		seen[issue.Code] = struct{}{}
		out = append(out, issue.Code)
	}
	return out
}
