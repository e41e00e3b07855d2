package guard

import (
	"log/slog"

	"github.com/faturaops/backend/internal/ports"
)

// DriftMode controls how a drift finding is handled.
type DriftMode string

const (
	DriftOff     DriftMode = "off"
	DriftShadow  DriftMode = "shadow"
	DriftEnforce DriftMode = "enforce"
)

// RiskClass is the endpoint's blast-radius classification.
type RiskClass string

const (
	RiskLow  RiskClass = "low"
	RiskHigh RiskClass = "high"
)

// EffectiveDriftMode is the single source of the mode-resolution rule:
// Enforce on a low-risk endpoint downgrades to Shadow, and Off is never
// upgraded.
func EffectiveDriftMode(mode DriftMode, risk RiskClass) DriftMode {
	if mode == DriftEnforce && risk == RiskLow {
		return DriftShadow
	}
	return mode
}

// DriftInput is the per-request tuple compared against the baseline.
type DriftInput struct {
	RequestSignature string
	ConfigHash       string
	Endpoint         string
	Method           string
	TenantID         string
}

// DriftInputProvider derives the drift input for the current request.
// Pluggable so transports (HTTP, broker) can each describe themselves.
type DriftInputProvider interface {
	DriftInput() DriftInput
}

// Baseline is the frozen expectation: the config hash the fleet was
// deployed with and the set of known endpoint signatures.
type Baseline struct {
	ConfigHash              string
	KnownEndpointSignatures map[string]struct{}
}

// DriftFinding classifies a baseline mismatch.
type DriftFinding string

const (
	DriftFindingNone              DriftFinding = "none"
	DriftFindingThresholdExceeded DriftFinding = "threshold_exceeded" // config hash mismatch
	DriftFindingInputAnomaly      DriftFinding = "input_anomaly"      // unknown endpoint signature
)

// DriftGuard compares per-request input against a frozen baseline and
// dispatches on the effective mode.
type DriftGuard struct {
	baseline Baseline
	mode     DriftMode
	metrics  ports.MetricsSink
	logger   *slog.Logger
}

func NewDriftGuard(baseline Baseline, mode DriftMode, metrics ports.MetricsSink) *DriftGuard {
	return &DriftGuard{
		baseline: baseline,
		mode:     mode,
		metrics:  metrics,
		logger:   slog.Default().With("component", "drift_guard"),
	}
}

// Evaluate returns whether the request may proceed and what was found.
// blocked is only ever true under effective Enforce.
func (d *DriftGuard) Evaluate(input DriftInput, risk RiskClass) (blocked bool, finding DriftFinding) {
	mode := EffectiveDriftMode(d.mode, risk)
	if mode == DriftOff {
		return false, DriftFindingNone
	}

	finding = d.compare(input)
	if finding == DriftFindingNone {
		return false, finding
	}

	d.metrics.Inc("drift_finding_total", map[string]string{
		"finding":  string(finding),
		"endpoint": input.Endpoint,
		"mode":     string(mode),
	})
	d.logger.Warn("drift detected", "finding", string(finding),
		"endpoint", input.Endpoint, "method", input.Method, "tenant_id", input.TenantID)

	if mode == DriftEnforce {
		return true, finding
	}
	return false, finding
}

func (d *DriftGuard) compare(input DriftInput) DriftFinding {
	if input.ConfigHash != d.baseline.ConfigHash {
		return DriftFindingThresholdExceeded
	}
	if _, known := d.baseline.KnownEndpointSignatures[input.RequestSignature]; !known {
		return DriftFindingInputAnomaly
	}
	return DriftFindingNone
}
