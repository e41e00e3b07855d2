package incident

import (
	"time"
)

// RouterConfig tunes routing policy.
type RouterConfig struct {
	// RetryDelayMinutes spaces RetryLookup re-evaluation.
	RetryDelayMinutes int
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{RetryDelayMinutes: 30}
}

// RoutedAction is the JSON-serializable routing outcome.
type RoutedAction struct {
	ActionType ActionType     `json:"action_type"`
	Status     Status         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Route classifies a record by its action type and builds the routed
// payload. Pure function: no side effects, injected now.
//
// Unknown action types are treated as UserFix with a generic message.
func Route(rec Record, now time.Time, cfg RouterConfig) RoutedAction {
	switch rec.Action.Type {
	case ActionUserFix:
		return RoutedAction{
			ActionType: ActionUserFix,
			Status:     StatusOpen,
			Payload: map[string]any{
				"ui_alert": map[string]any{
					"message": rec.Action.HintText,
					"code":    rec.Action.Code,
				},
			},
		}

	case ActionRetryLookup:
		eligibleAt := now.UTC().Add(time.Duration(cfg.RetryDelayMinutes) * time.Minute)
		return RoutedAction{
			ActionType: ActionRetryLookup,
			Status:     StatusPendingRetry,
			Payload: map[string]any{
				"retry": map[string]any{
					"retry_eligible_at": eligibleAt.Format(time.RFC3339),
					"reason_code":       rec.Action.Code,
				},
			},
		}

	case ActionBugReport:
		return RoutedAction{
			ActionType: ActionBugReport,
			Status:     StatusReported,
			Payload: map[string]any{
				"issue": BuildIssuePayload(rec),
			},
		}

	case ActionFallbackOk:
		return RoutedAction{
			ActionType: ActionFallbackOk,
			Status:     StatusAutoResolved,
		}

	default:
		return RoutedAction{
			ActionType: ActionUserFix,
			Status:     StatusOpen,
			Payload: map[string]any{
				"ui_alert": map[string]any{
					"message": "Manual review required for this invoice.",
					"code":    rec.Action.Code,
				},
			},
		}
	}
}
