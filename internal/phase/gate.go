package phase

import (
	"github.com/Iron-Ham/cadence/internal/plan"
)

// Inputs is everything the transition gates look at.
type Inputs struct {
	Plan *plan.Plan
	// ValidationPassed is set by an explicit verification signal. The gate
	// never runs checks itself.
	ValidationPassed bool
}

// Decision is the outcome of evaluating the gate out of a phase.
type Decision struct {
	From     Phase
	To       Phase
	Eligible bool
	// Reason explains an ineligible decision.
	Reason string
}

// Evaluate decides whether the phase after from may be entered.
func Evaluate(from Phase, in Inputs) Decision {
	d := Decision{From: from, To: from.Next()}

	switch from {
	case Discovery:
		d.Eligible = true
	case Planning:
		switch {
		case in.Plan == nil || len(in.Plan.Tasks) == 0:
			d.Reason = "plan has no tasks"
		case !in.Plan.PrioritiesAssigned():
			d.Reason = "every task needs a priority greater than zero"
		default:
			d.Eligible = true
		}
	case Building:
		switch {
		case in.Plan == nil:
			d.Reason = "no plan loaded"
		case !in.Plan.Settled():
			c := in.Plan.Counts()
			d.Reason = pendingReason(c)
		default:
			d.Eligible = true
		}
	case Validation:
		if in.ValidationPassed {
			d.Eligible = true
		} else {
			d.Reason = "waiting for a passing verification signal"
		}
	default:
		d.To = Terminal
		d.Reason = "no transitions out of " + string(from)
	}
	return d
}

func pendingReason(c plan.Counts) string {
	switch {
	case c.Pending > 0 && c.InProgress > 0:
		return "tasks are still pending and in progress"
	case c.InProgress > 0:
		return "a task is still in progress"
	default:
		return "tasks are still pending"
	}
}
