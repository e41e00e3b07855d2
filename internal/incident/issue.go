package incident

import (
	"fmt"
)

// normalizedInputAllowList enumerates every calc_context key that may leave
// the system in an issue payload. Everything else (customer names, tax ids,
// meter and subscriber numbers, addresses, phone numbers) is dropped, never
// redacted: dropping cannot leak through a formatting bug.
var normalizedInputAllowList = map[string]struct{}{
	"invoice_period":                   {},
	"consumption_kwh":                  {},
	"ptf_date":                         {},
	"yekdem_date":                      {},
	"market_price_source":              {},
	"tariff_code":                      {},
	"tariff_period":                    {},
	"ck_meta_present":                  {},
	"distribution_line_present":        {},
	"meta_distribution_source":         {},
	"computed_distribution_unit_price": {},
	"distribution_unit_price_invoice":  {},
	"distribution_mismatch_pct":        {},
	"confidence":                       {},
	"json_repair_applied":              {},
	"distribution_total_tl":            {},
	"energy_total_tl":                  {},
	"total_amount_tl":                  {},
}

// BuildIssuePayload produces the PII-safe payload an external issue tracker
// receives for a BugReport incident.
func BuildIssuePayload(rec Record) map[string]any {
	return map[string]any{
		"title":        fmt.Sprintf("[%s] provider=%s invoice=%s period=%s", rec.PrimaryFlag, rec.Provider, rec.InvoiceID, rec.Period),
		"labels":       []string{"incident", rec.Category, rec.PrimaryFlag, rec.Action.Owner},
		"severity":     rec.Severity,
		"dedupe_key":   rec.DedupeKey(),
		"invoice":      map[string]any{"provider": rec.Provider, "invoice_id": rec.InvoiceID, "period": rec.Period},
		"primary_flag": rec.PrimaryFlag,
		"category":     rec.Category,
		// hint_text stays internal; only type/owner/code are exported.
		"action":            map[string]any{"type": string(rec.Action.Type), "owner": rec.Action.Owner, "code": rec.Action.Code},
		"all_flags":         append([]string(nil), rec.AllFlags...),
		"lookup_evidence":   reduceLookupEvidence(rec.LookupEvidence),
		"normalized_inputs": filterCalcContext(rec.CalcContext),
		"repro_hint":        reproHint(rec.PrimaryFlag),
	}
}

// filterCalcContext keeps strictly the allow-list intersection.
func filterCalcContext(calcContext map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range calcContext {
		if _, ok := normalizedInputAllowList[key]; ok {
			out[key] = value
		}
	}
	return out
}

// reduceLookupEvidence strips raw lookup responses down to status + source
// per evidence kind.
func reduceLookupEvidence(evidence map[string]any) map[string]any {
	out := map[string]any{}
	for _, kind := range []string{"market_price", "tariff"} {
		entry, ok := evidence[kind].(map[string]any)
		if !ok {
			continue
		}
		reduced := map[string]any{}
		if status, ok := entry["status"]; ok {
			reduced["status"] = status
		}
		if source, ok := entry["source"]; ok {
			reduced["source"] = source
		}
		out[kind] = reduced
	}
	return out
}

// reproHint is a synthetic one-sentence recipe keyed off the primary flag.
// It must never contain real identifiers.
func reproHint(primaryFlag string) string {
	switch primaryFlag {
	case "CALC_BUG":
		return "Re-run the offer calculation for a synthetic invoice with the normalized inputs above."
	case "LOOKUP_FAIL":
		return "Replay the tariff and market-price lookups for the listed period against a fixture backend."
	case "EXTRACTION_LOW_CONFIDENCE":
		return "Re-extract a synthetic invoice of the same provider layout and compare field confidences."
	default:
		return fmt.Sprintf("Reproduce with a synthetic invoice that raises %s and the normalized inputs above.", primaryFlag)
	}
}
