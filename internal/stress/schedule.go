package stress

import (
	"github.com/faturaops/backend/internal/ports"
)

// FaultAction names one scheduled disturbance.
type FaultAction string

const (
	ActionSkip              FaultAction = "skip"
	ActionFail              FaultAction = "fail"
	ActionTimeout           FaultAction = "timeout"
	ActionTruncate          FaultAction = "truncate"
	ActionClockJumpForward  FaultAction = "clock_jump_forward"
	ActionClockJumpBackward FaultAction = "clock_jump_backward"
)

// FaultEvent is one step of a fault schedule.
type FaultEvent struct {
	Step   int            `json:"step"`
	Action FaultAction    `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ScheduleParams controls schedule generation.
type ScheduleParams struct {
	Steps        int
	FaultRate    float64 // probability a step carries a non-skip action
	MaxDelayMs   int     // timeout delay upper bound
	MaxJumpMs    int     // clock jump upper bound
	TruncateMaxP int     // truncate percentage upper bound
}

func DefaultScheduleParams(steps int) ScheduleParams {
	return ScheduleParams{
		Steps:        steps,
		FaultRate:    0.1,
		MaxDelayMs:   2000,
		MaxJumpMs:    60000,
		TruncateMaxP: 90,
	}
}

// GenerateSchedule derives an immutable fault schedule from a seed. The
// same seed and parameters always yield the identical schedule, across
// runs and across processes.
func GenerateSchedule(seed int64, p ScheduleParams) []FaultEvent {
	rng := ports.NewSeededRng(seed)
	events := make([]FaultEvent, 0, p.Steps)

	for step := 0; step < p.Steps; step++ {
		if rng.Random() >= p.FaultRate {
			events = append(events, FaultEvent{Step: step, Action: ActionSkip})
			continue
		}

		switch rng.RandInt(0, 4) {
		case 0:
			events = append(events, FaultEvent{Step: step, Action: ActionFail})
		case 1:
			events = append(events, FaultEvent{
				Step:   step,
				Action: ActionTimeout,
				Params: map[string]any{"delay_ms": rng.RandInt(1, p.MaxDelayMs)},
			})
		case 2:
			events = append(events, FaultEvent{
				Step:   step,
				Action: ActionTruncate,
				Params: map[string]any{"pct": rng.RandInt(1, p.TruncateMaxP)},
			})
		case 3:
			events = append(events, FaultEvent{
				Step:   step,
				Action: ActionClockJumpForward,
				Params: map[string]any{"delta_ms": rng.RandInt(1, p.MaxJumpMs)},
			})
		case 4:
			events = append(events, FaultEvent{
				Step:   step,
				Action: ActionClockJumpBackward,
				Params: map[string]any{"delta_ms": rng.RandInt(1, p.MaxJumpMs)},
			})
		}
	}
	return events
}
