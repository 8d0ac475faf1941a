// Package recovery maps the state of a failing run to a recovery action.
package recovery

import (
	"fmt"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
)

// Action is what the runner does after a failed iteration.
type Action string

const (
	Retry               Action = "retry"
	SkipTask            Action = "skip_task"
	ManualIntervention  Action = "manual_intervention"
	ResetCircuitBreaker Action = "reset_circuit_breaker"
	Handoff             Action = "handoff"
)

// Config holds the ceilings Determine compares against. A zero ceiling
// never matches.
type Config struct {
	MaxTotalCostUSD   float64
	StagnationCeiling int
	FailureCeiling    int
}

// FromConfig extracts the recovery ceilings.
func FromConfig(c config.RecoveryConfig) Config {
	return Config{
		MaxTotalCostUSD:   c.MaxTotalCostUSD,
		StagnationCeiling: c.StagnationCeiling,
		FailureCeiling:    c.FailureCeiling,
	}
}

// Determine picks the action for rs. The first matching rule wins: spend
// over the ceiling needs a human, stagnation gets a fresh session, repeated
// failures abandon the current task, and anything else is retried.
// reason is the failure reported by the iteration and does not affect the
// choice.
func Determine(rs *state.RunState, reason string, cfg Config) Action {
	switch {
	case cfg.MaxTotalCostUSD > 0 && rs.TotalCostUSD >= cfg.MaxTotalCostUSD:
		return ManualIntervention
	case cfg.StagnationCeiling > 0 && rs.CircuitBreaker.StagnationCount >= cfg.StagnationCeiling:
		return Handoff
	case cfg.FailureCeiling > 0 && rs.CircuitBreaker.FailureCount >= cfg.FailureCeiling:
		return SkipTask
	default:
		return Retry
	}
}

// Explain returns an operator-facing reason for action.
func Explain(action Action, rs *state.RunState, cfg Config) string {
	switch action {
	case ManualIntervention:
		return fmt.Sprintf("total cost $%.2f reached the $%.2f ceiling", rs.TotalCostUSD, cfg.MaxTotalCostUSD)
	case Handoff:
		return fmt.Sprintf("no progress for %d iterations", rs.CircuitBreaker.StagnationCount)
	case SkipTask:
		return fmt.Sprintf("%d consecutive failures", rs.CircuitBreaker.FailureCount)
	default:
		return string(action)
	}
}

// Target is what Apply mutates.
type Target struct {
	Plan  *plan.Plan
	State *state.RunState
	// TaskID is the task the failing iteration worked on. When empty the
	// next eligible task is used.
	TaskID string
	// Handoff runs the session handoff procedure.
	Handoff func() error
	// Reason is recorded on the state for ManualIntervention and on the task
	// for SkipTask.
	Reason string
}

// Outcome reports what Apply did.
type Outcome struct {
	Action Action
	// OK is false when the loop cannot heal itself.
	OK bool
	// TaskID is the task blocked by SkipTask.
	TaskID string
	Err    error
}

// Apply performs action against target.
func Apply(action Action, target Target) Outcome {
	out := Outcome{Action: action}
	switch action {
	case Retry:
		out.OK = true
	case SkipTask:
		id := target.TaskID
		if id == "" && target.Plan != nil {
			if next, ok := target.Plan.NextTask(); ok {
				id = next.ID
			}
		}
		if id == "" || target.Plan == nil {
			// Nothing to skip; the failure streak is all that is left.
			out.OK = true
			break
		}
		reason := "skipped after repeated failures"
		if target.Reason != "" {
			reason = fmt.Sprintf("%s: %s", reason, target.Reason)
		}
		at := target.State.LastActivityAt
		if err := target.Plan.Block(id, reason, at); err != nil {
			out.Err = err
			break
		}
		target.State.Remember(state.Blocker{TaskID: id, Text: reason})
		out.TaskID = id
		out.OK = true
	case ResetCircuitBreaker:
		target.State.CircuitBreaker.Reset()
		out.OK = true
	case ManualIntervention:
		out.Err = errors.NewInterventionError(target.Reason)
	case Handoff:
		if target.Handoff == nil {
			out.Err = fmt.Errorf("handoff requested without a handoff procedure")
			break
		}
		if err := target.Handoff(); err != nil {
			out.Err = err
			break
		}
		out.OK = true
	default:
		out.Err = fmt.Errorf("unknown recovery action %q", action)
	}
	return out
}
