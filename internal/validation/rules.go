// Package validation runs the closed-set rule engine over normalized
// invoices and decides pass/warn/block under the configured enforcement
// mode.
//
// The rule file is order-independent and never short-circuits: every rule
// sees the input and contributes its findings. Optional sections (reactive,
// totals, lines) are skipped when absent.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// Code is a closed-set validation error code. Never emit free-form strings.
type Code string

const (
	CodeMissingField            Code = "MISSING_FIELD"
	CodeInvalidFormat           Code = "INVALID_FORMAT"
	CodeInvalidETTN             Code = "INVALID_ETTN"
	CodeInvalidDatetime         Code = "INVALID_DATETIME"
	CodeInconsistentPeriods     Code = "INCONSISTENT_PERIODS"
	CodeNegativeValue           Code = "NEGATIVE_VALUE"
	CodeReactivePenaltyMismatch Code = "REACTIVE_PENALTY_MISMATCH"
	CodePayableTotalMismatch    Code = "PAYABLE_TOTAL_MISMATCH"
	CodeTotalMismatch           Code = "TOTAL_MISMATCH"
	CodeZeroConsumption         Code = "ZERO_CONSUMPTION"
	CodeLineCrosscheckFail      Code = "LINE_CROSSCHECK_FAIL"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one rule finding.
type Issue struct {
	Code     Code     `json:"code"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result aggregates the rule run. Valid is true exactly when Errors is
// empty.
type Result struct {
	Valid      bool           `json:"valid"`
	Errors     []Issue        `json:"errors"`
	Normalized map[string]any `json:"normalized,omitempty"`
}

// Monetary tolerances, in TL.
const (
	payableTolerance   = 5.0
	totalToleranceAbs  = 5.0
	totalTolerancePct  = 0.01
	lineCrosscheckTol  = 0.02
	shadowSampleSpace  = 10000
)

var ettnPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var requiredFields = []string{"provider", "invoice_id", "period", "ettn", "invoice_date"}

// rule contributes findings for one concern. Rules run in file order but
// must not depend on it.
type rule func(inv map[string]any) []Issue

var ruleSet = []rule{
	ruleRequiredFields,
	ruleETTN,
	ruleInvoiceDate,
	rulePeriodsConsistent,
	ruleNegativeValues,
	ruleReactivePenalty,
	ruleTotals,
	ruleConsumption,
	ruleLineCrosscheck,
}

// Validate runs the full rule set over a canonical invoice map.
func Validate(inv map[string]any) Result {
	var issues []Issue
	for _, r := range ruleSet {
		issues = append(issues, r(inv)...)
	}
	return Result{
		Valid:      len(issues) == 0,
		Errors:     issues,
		Normalized: inv,
	}
}

func ruleRequiredFields(inv map[string]any) []Issue {
	var out []Issue
	for _, field := range requiredFields {
		v, ok := inv[field]
		if !ok || v == nil || v == "" {
			out = append(out, Issue{
				Code:     CodeMissingField,
				Field:    field,
				Message:  fmt.Sprintf("required field %q absent or empty", field),
				Severity: SeverityError,
			})
			continue
		}
		if _, ok := v.(string); !ok {
			out = append(out, Issue{
				Code:     CodeInvalidFormat,
				Field:    field,
				Message:  fmt.Sprintf("field %q must be a string", field),
				Severity: SeverityError,
			})
		}
	}
	return out
}

func ruleETTN(inv map[string]any) []Issue {
	// An absent or empty ettn also fails here (not only MISSING_FIELD):
	// a missing ETTN must be able to block under hard enforcement.
	ettn, _ := inv["ettn"].(string)
	if !ettnPattern.MatchString(ettn) {
		return []Issue{{
			Code:     CodeInvalidETTN,
			Field:    "ettn",
			Message:  "ettn is not a lowercase hyphenated 8-4-4-4-12 hex UUID",
			Severity: SeverityError,
		}}
	}
	return nil
}

func ruleInvoiceDate(inv map[string]any) []Issue {
	raw, ok := inv["invoice_date"].(string)
	if !ok || raw == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", raw); err != nil {
		return []Issue{{
			Code:     CodeInvalidDatetime,
			Field:    "invoice_date",
			Message:  fmt.Sprintf("cannot parse %q as YYYY-MM-DD", raw),
			Severity: SeverityError,
		}}
	}
	return nil
}

// rulePeriodsConsistent checks that T1/T2/T3 tariff lines agree on period
// start and end dates.
func rulePeriodsConsistent(inv map[string]any) []Issue {
	lines, ok := sliceOfMaps(inv["lines"])
	if !ok || len(lines) == 0 {
		return nil
	}

	var start, end string
	for i, line := range lines {
		s, _ := line["period_start"].(string)
		e, _ := line["period_end"].(string)
		if s == "" && e == "" {
			continue
		}
		if start == "" && end == "" {
			start, end = s, e
			continue
		}
		if s != start || e != end {
			return []Issue{{
				Code:     CodeInconsistentPeriods,
				Field:    fmt.Sprintf("lines[%d]", i),
				Message:  "tariff line period start/end dates differ",
				Severity: SeverityError,
			}}
		}
	}
	return nil
}

func ruleNegativeValues(inv map[string]any) []Issue {
	var out []Issue

	if totals, ok := inv["totals"].(map[string]any); ok {
		for _, key := range []string{"total", "payable", "taxes", "vat"} {
			if v, ok := asFloat(totals[key]); ok && v < 0 {
				out = append(out, Issue{
					Code:     CodeNegativeValue,
					Field:    "totals." + key,
					Message:  fmt.Sprintf("%s is negative (%v)", key, v),
					Severity: SeverityError,
				})
			}
		}
	}

	if lines, ok := sliceOfMaps(inv["lines"]); ok {
		for i, line := range lines {
			for _, key := range []string{"qty_kwh", "unit_price", "amount"} {
				if v, ok := asFloat(line[key]); ok && v < 0 {
					out = append(out, Issue{
						Code:     CodeNegativeValue,
						Field:    fmt.Sprintf("lines[%d].%s", i, key),
						Message:  fmt.Sprintf("%s is negative (%v)", key, v),
						Severity: SeverityError,
					})
				}
			}
		}
	}
	return out
}

// ruleReactivePenalty enforces penalty_amount>0 <=> penalty_kvarh>0.
func ruleReactivePenalty(inv map[string]any) []Issue {
	reactive, ok := inv["reactive"].(map[string]any)
	if !ok {
		return nil
	}
	amount, okA := asFloat(reactive["penalty_amount"])
	kvarh, okK := asFloat(reactive["penalty_kvarh"])
	if !okA || !okK {
		return nil
	}
	if (amount > 0) != (kvarh > 0) {
		return []Issue{{
			Code:     CodeReactivePenaltyMismatch,
			Field:    "reactive",
			Message:  fmt.Sprintf("penalty_amount=%v and penalty_kvarh=%v disagree", amount, kvarh),
			Severity: SeverityError,
		}}
	}
	return nil
}

func ruleTotals(inv map[string]any) []Issue {
	totals, ok := inv["totals"].(map[string]any)
	if !ok {
		return nil
	}
	var out []Issue

	total, okTotal := asFloat(totals["total"])
	if payable, ok := asFloat(totals["payable"]); ok && okTotal {
		if math.Abs(payable-total) > payableTolerance {
			out = append(out, Issue{
				Code:     CodePayableTotalMismatch,
				Field:    "totals.payable",
				Message:  fmt.Sprintf("payable %v deviates from total %v by more than %v", payable, total, payableTolerance),
				Severity: SeverityError,
			})
		}
	}

	// The crosscheck needs lines to sum; skip it silently when absent.
	lines, hasLines := sliceOfMaps(inv["lines"])
	if okTotal && hasLines && len(lines) > 0 {
		var linesSum float64
		for _, line := range lines {
			if amount, ok := asFloat(line["amount"]); ok {
				linesSum += amount
			}
		}
		taxes, _ := asFloat(totals["taxes"])
		vat, _ := asFloat(totals["vat"])
		tolerance := math.Max(totalToleranceAbs, totalTolerancePct*math.Abs(total))
		if math.Abs(linesSum+taxes+vat-total) > tolerance {
			out = append(out, Issue{
				Code:     CodeTotalMismatch,
				Field:    "totals.total",
				Message:  fmt.Sprintf("lines %v + taxes %v + vat %v does not reach total %v", linesSum, taxes, vat, total),
				Severity: SeverityError,
			})
		}
	}
	return out
}

func ruleConsumption(inv map[string]any) []Issue {
	lines, ok := sliceOfMaps(inv["lines"])
	if !ok || len(lines) == 0 {
		return nil
	}
	var sum float64
	for _, line := range lines {
		if qty, ok := asFloat(line["qty_kwh"]); ok {
			sum += qty
		}
	}
	if sum <= 0 {
		return []Issue{{
			Code:     CodeZeroConsumption,
			Field:    "lines",
			Message:  fmt.Sprintf("total consumption %v kWh is not positive", sum),
			Severity: SeverityError,
		}}
	}
	return nil
}

func ruleLineCrosscheck(inv map[string]any) []Issue {
	lines, ok := sliceOfMaps(inv["lines"])
	if !ok {
		return nil
	}
	var out []Issue
	for i, line := range lines {
		qty, okQ := asFloat(line["qty_kwh"])
		price, okP := asFloat(line["unit_price"])
		amount, okA := asFloat(line["amount"])
		if !okQ || !okP || !okA || amount == 0 {
			continue
		}
		if math.Abs(qty*price-amount)/math.Abs(amount) > lineCrosscheckTol {
			out = append(out, Issue{
				Code:     CodeLineCrosscheckFail,
				Field:    fmt.Sprintf("lines[%d]", i),
				Message:  fmt.Sprintf("qty %v x price %v deviates from amount %v beyond %v", qty, price, amount, lineCrosscheckTol),
				Severity: SeverityError,
			})
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sliceOfMaps(v any) ([]map[string]any, bool) {
	switch s := v.(type) {
	case []map[string]any:
		return s, true
	case []any:
		out := make([]map[string]any, 0, len(s))
		for _, item := range s {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}
