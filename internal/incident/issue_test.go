package incident

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuePayloadDropsNonAllowListedContext(t *testing.T) {
	rec := bugRecord()
	rec.CalcContext = map[string]any{
		"consumption_kwh": 1200.5,
		"tariff_code":     "MESKEN",
		"customer_name":   "Ayşe Yılmaz",
		"tax_id":          "12345678901",
		"meter_number":    "M-991",
		"subscriber_no":   "S-1177",
		"address":         "Atatürk Cad. 12",
		"total_amount_tl": 845.20,
	}

	payload := BuildIssuePayload(rec)
	inputs := payload["normalized_inputs"].(map[string]any)

	assert.Equal(t, 1200.5, inputs["consumption_kwh"])
	assert.Equal(t, "MESKEN", inputs["tariff_code"])
	assert.Equal(t, 845.20, inputs["total_amount_tl"])

	// PII keys are dropped entirely, never redacted.
	for _, key := range []string{"customer_name", "tax_id", "meter_number", "subscriber_no", "address"} {
		_, present := inputs[key]
		assert.False(t, present, "key %s must not appear", key)
	}
}

func TestIssuePayloadReducesLookupEvidence(t *testing.T) {
	rec := bugRecord()
	rec.LookupEvidence = map[string]any{
		"market_price": map[string]any{
			"status":       "ok",
			"source":       "epias",
			"raw_response": map[string]any{"price": 2.41, "request_id": "abc"},
		},
		"tariff": map[string]any{
			"status": "failed",
			"source": "tariff_api",
			"error":  "connection refused to 10.0.3.7",
		},
	}

	payload := BuildIssuePayload(rec)
	evidence := payload["lookup_evidence"].(map[string]any)

	market := evidence["market_price"].(map[string]any)
	assert.Equal(t, map[string]any{"status": "ok", "source": "epias"}, market)

	tariff := evidence["tariff"].(map[string]any)
	_, hasError := tariff["error"]
	assert.False(t, hasError)
}

func TestIssuePayloadShape(t *testing.T) {
	rec := bugRecord()
	rec.Action.HintText = "internal hint for the UI"
	payload := BuildIssuePayload(rec)

	assert.Equal(t, "[CALC_BUG] provider=ck invoice=INV1 period=2025-01", payload["title"])
	assert.Equal(t, []string{"incident", "CALC", "CALC_BUG", "engine"}, payload["labels"])
	assert.Equal(t, rec.DedupeKey(), payload["dedupe_key"])

	// hint_text never leaves the system.
	action := payload["action"].(map[string]any)
	assert.Equal(t, "BugReport", action["type"])
	_, hasHint := action["hint_text"]
	assert.False(t, hasHint)

	// The whole payload must serialize cleanly.
	_, err := json.Marshal(payload)
	require.NoError(t, err)
}

func TestReproHintVariants(t *testing.T) {
	assert.Contains(t, reproHint("CALC_BUG"), "offer calculation")
	assert.Contains(t, reproHint("LOOKUP_FAIL"), "lookups")
	assert.Contains(t, reproHint("EXTRACTION_LOW_CONFIDENCE"), "Re-extract")
	assert.Contains(t, reproHint("SOMETHING_ELSE"), "SOMETHING_ELSE")
}
