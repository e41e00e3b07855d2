package validation

import (
	"log/slog"

	"github.com/faturaops/backend/internal/fingerprint"
	"github.com/faturaops/backend/internal/ports"
)

// LegacyValidator adapts the pre-existing validation path so shadow mode
// can compare old and new verdicts on the same invoice.
type LegacyValidator interface {
	// Validate returns the legacy verdict and its free-form flags.
	Validate(inv map[string]any) (valid bool, flags []string)
}

// LegacyValidatorFunc adapts a function to LegacyValidator.
type LegacyValidatorFunc func(inv map[string]any) (bool, []string)

func (f LegacyValidatorFunc) Validate(inv map[string]any) (bool, []string) {
	return f(inv)
}

// ShadowComparer records new-vs-legacy divergence for a deterministic
// sample of invoices. Strictly post-decision: a failure anywhere in here
// never reaches the real path.
type ShadowComparer struct {
	legacy     LegacyValidator
	sampleRate float64
	whitelist  map[string]struct{}
	metrics    ports.MetricsSink
	logger     *slog.Logger
}

func NewShadowComparer(cfg EnforcementConfig, legacy LegacyValidator, metrics ports.MetricsSink) *ShadowComparer {
	whitelist := make(map[string]struct{}, len(cfg.ShadowWhitelist))
	for _, pattern := range cfg.ShadowWhitelist {
		whitelist[pattern] = struct{}{}
	}
	return &ShadowComparer{
		legacy:     legacy,
		sampleRate: cfg.ShadowSampleRate,
		whitelist:  whitelist,
		metrics:    metrics,
		logger:     slog.Default().With("component", "shadow_compare"),
	}
}

// Sampled reports whether invoiceID falls in the deterministic sample.
// Hash-based bucketing keeps the decision identical across processes.
func (s *ShadowComparer) Sampled(invoiceID string) bool {
	if s.sampleRate <= 0 {
		return false
	}
	if s.sampleRate >= 1 {
		return true
	}
	bucket := fingerprint.SampleBucket(invoiceID, shadowSampleSpace)
	return float64(bucket) < s.sampleRate*shadowSampleSpace
}

// Compare runs the legacy validator and records divergence. All failures
// are swallowed; shadow never affects the real decision.
func (s *ShadowComparer) Compare(invoiceID string, fresh Result, inv map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc("shadow_compare_error_total", nil)
			s.logger.Warn("shadow compare panicked", "invoice_id", invoiceID, "panic", r)
		}
	}()

	if s.legacy == nil || !s.Sampled(invoiceID) {
		return
	}

	legacyValid, legacyFlags := s.legacy.Validate(inv)
	s.metrics.Inc("shadow_compare_total", nil)

	if legacyValid == fresh.Valid {
		return
	}

	pattern := classifyDivergence(fresh, legacyValid, legacyFlags)
	if _, benign := s.whitelist[pattern]; benign {
		// Known non-actionable mismatch; keep it out of the alerting metric.
		s.metrics.Inc("shadow_divergence_whitelisted_total", map[string]string{"pattern": pattern})
		return
	}

	s.metrics.Inc("shadow_divergence_total", map[string]string{"pattern": pattern})
	s.logger.Info("shadow divergence", "invoice_id", invoiceID,
		"legacy_valid", legacyValid, "new_valid", fresh.Valid, "pattern", pattern)
}

// classifyDivergence names the mismatch so the whitelist can suppress the
// known-benign ones (e.g. the legacy validator skipping invoices without a
// totals section).
func classifyDivergence(fresh Result, legacyValid bool, legacyFlags []string) string {
	if legacyValid && !fresh.Valid {
		for _, issue := range fresh.Errors {
			if issue.Code == CodeTotalMismatch || issue.Code == CodePayableTotalMismatch {
				return "missing_totals_skips"
			}
		}
		return "new_stricter"
	}
	if len(legacyFlags) > 0 {
		return "legacy_stricter"
	}
	return "verdict_flip"
}
