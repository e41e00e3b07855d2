package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var routeNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func TestRouteUserFix(t *testing.T) {
	rec := bugRecord()
	rec.Action = Action{Type: ActionUserFix, Owner: "user", Code: "MISSING_PAGE", HintText: "Upload the second page of the invoice."}

	routed := Route(rec, routeNow, DefaultRouterConfig())
	assert.Equal(t, ActionUserFix, routed.ActionType)
	assert.Equal(t, StatusOpen, routed.Status)

	alert := routed.Payload["ui_alert"].(map[string]any)
	assert.Equal(t, "Upload the second page of the invoice.", alert["message"])
	assert.Equal(t, "MISSING_PAGE", alert["code"])
}

func TestRouteRetryLookup(t *testing.T) {
	rec := bugRecord()
	rec.Action = Action{Type: ActionRetryLookup, Owner: "pipeline", Code: "PTF_UNAVAILABLE"}

	routed := Route(rec, routeNow, RouterConfig{RetryDelayMinutes: 45})
	assert.Equal(t, StatusPendingRetry, routed.Status)

	retry := routed.Payload["retry"].(map[string]any)
	assert.Equal(t, routeNow.Add(45*time.Minute).Format(time.RFC3339), retry["retry_eligible_at"])
	assert.Equal(t, "PTF_UNAVAILABLE", retry["reason_code"])
}

func TestRouteBugReport(t *testing.T) {
	rec := bugRecord()
	routed := Route(rec, routeNow, DefaultRouterConfig())
	assert.Equal(t, StatusReported, routed.Status)
	require.NotNil(t, routed.Payload["issue"])
}

func TestRouteFallbackOk(t *testing.T) {
	rec := bugRecord()
	rec.Action = Action{Type: ActionFallbackOk, Owner: "pipeline", Code: "USED_CACHED_PRICE"}

	routed := Route(rec, routeNow, DefaultRouterConfig())
	assert.Equal(t, StatusAutoResolved, routed.Status)
	assert.Nil(t, routed.Payload)
}

func TestRouteUnknownActionFallsBackToUserFix(t *testing.T) {
	rec := bugRecord()
	rec.Action = Action{Type: "Mystery", Code: "X"}

	routed := Route(rec, routeNow, DefaultRouterConfig())
	assert.Equal(t, ActionUserFix, routed.ActionType)
	assert.Equal(t, StatusOpen, routed.Status)
	alert := routed.Payload["ui_alert"].(map[string]any)
	assert.NotEmpty(t, alert["message"])
}
