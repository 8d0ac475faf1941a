package runner

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/store"
)

var phaseGoals = map[phase.Phase]string{
	phase.Discovery: "You are in the discovery phase. Read the project, ask the operator what is unclear, " +
		"and write down the requirements you found. Do not change source code.",
	phase.Planning: "You are in the planning phase. Break the requirements into small tasks, each completable " +
		"in one session, with a priority greater than zero and verification criteria.",
	phase.Building: "You are in the building phase. Work only on the assigned task. Keep the change small, " +
		"run the relevant tests, and stop once the task is done.",
	phase.Validation: "You are in the validation phase. Run the project's tests and checks, fix nothing " +
		"beyond trivial issues, and report whether the work is ready.",
}

const draftSchema = `tasks:
  - id: T1
    description: what to do
    priority: 1
    dependencies: []
    verification_criteria:
      - how to tell it is done`

func (r *Runner) systemPrompt(ic IterationContext) string {
	var b strings.Builder
	b.WriteString(phaseGoals[ic.Phase])
	if ic.Phase == phase.Planning {
		fmt.Fprintf(&b, "\n\nWrite the task list to %s in this format:\n\n%s", r.draftPath(), draftSchema)
	}
	if !ic.Profile.Interactive {
		b.WriteString("\n\nThe operator is not available in this phase; do not ask questions.")
	}
	b.WriteString("\n\n")
	b.WriteString(agent.Instructions())
	return b.String()
}

func (r *Runner) draftPath() string {
	if r.store != nil {
		return r.store.Path(store.DraftFile)
	}
	return r.cfg.Paths.StateDir + "/" + store.DraftFile
}

// prompt assembles the user prompt: the assigned task, plan progress and,
// on the first iteration of a resumed session, the last handoff note.
func (r *Runner) prompt(ic IterationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d (session iteration %d), phase %s.\n", ic.Iteration, ic.SessionIteration, ic.Phase)

	if t := ic.Task; t != nil {
		fmt.Fprintf(&b, "\nAssigned task %s (priority %d):\n%s\n", t.ID, t.Priority, t.Description)
		if len(t.VerificationCriteria) > 0 {
			b.WriteString("\nDone when:\n")
			for _, c := range t.VerificationCriteria {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "\nBuilds on: %s\n", strings.Join(t.Dependencies, ", "))
		}
		if t.RetryCount > 0 {
			fmt.Fprintf(&b, "\nThis task failed %d time(s) before.\n", t.RetryCount)
		}
		if len(t.Blockers) > 0 {
			fmt.Fprintf(&b, "Known blockers: %s\n", strings.Join(t.Blockers, "; "))
		}
	} else if ic.Phase == phase.Building {
		b.WriteString("\nNo task is eligible right now.\n")
	}

	if c := r.plan.Counts(); c.Total > 0 {
		fmt.Fprintf(&b, "\nPlan: %d of %d tasks complete, %d pending, %d blocked.\n", c.Complete, c.Total, c.Pending, c.Blocked)
	}

	if ic.SessionIteration == 1 && r.state.SessionCount > 1 {
		if note := r.latestNote(); note != "" {
			fmt.Fprintf(&b, "\nNotes from the previous session:\n\n%s\n", note)
		}
	}
	return b.String()
}
