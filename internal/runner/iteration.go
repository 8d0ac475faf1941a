package runner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/budget"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/store"
	"github.com/Iron-Ham/cadence/internal/util"
)

// IterationContext is the input of one iteration.
type IterationContext struct {
	Iteration        int
	SessionIteration int
	SessionID        string
	Phase            phase.Phase
	Profile          phase.Profile
	// Task is the task assigned to this iteration. It is set only in the
	// building phase, and only when a task is eligible.
	Task                *plan.Task
	Prompt              string
	SystemPrompt        string
	RemainingTokens     int
	RemainingSessionUSD float64
	ContextUsagePct     float64
	WorkDir             string
}

// TaskID returns the assigned task id, or "".
func (ic IterationContext) TaskID() string {
	if ic.Task == nil {
		return ""
	}
	return ic.Task.ID
}

// Request builds the agent request for the iteration.
func (ic IterationContext) Request() agent.Request {
	return agent.Request{
		Prompt:       ic.Prompt,
		SystemPrompt: ic.SystemPrompt,
		Phase:        ic.Phase,
		AllowedTools: ic.Profile.AllowedTools,
		MaxTurns:     ic.Profile.MaxTurns,
		SessionID:    ic.SessionID,
		TaskID:       ic.TaskID(),
		WorkDir:      ic.WorkDir,
	}
}

// IterationResult is what PostIteration decided.
type IterationResult struct {
	Iteration int
	Phase     phase.Phase
	TaskID    string
	Success   bool
	// Interrupted is set when the session was cancelled. Cancelled
	// iterations are not counted against the breaker.
	Interrupted     bool
	TasksCompleted  int
	CompletedTaskID string
	ProgressMade    bool
	CostUSD         float64
	Tokens          int
	HandoffNeeded   bool
	LimitViolated   budget.Limit
	Halt            bool
	HaltReason      string
	// TransitionEligible is set when the gate out of Phase is open; NextPhase
	// is the phase it leads to.
	TransitionEligible bool
	NextPhase          phase.Phase
	TransitionReason   string
	Err                error
}

// PreIteration starts an iteration: it advances the counters, assigns the
// next task in the building phase, assembles the prompts and persists.
func (r *Runner) PreIteration(ctx context.Context) (IterationContext, error) {
	if err := ctx.Err(); err != nil {
		return IterationContext{}, err
	}
	if r.current != nil {
		return IterationContext{}, fmt.Errorf("iteration %d is still open: %w", r.current.Iteration, errors.ErrInvalidTransition)
	}

	now := r.now()
	rs := r.state
	r.cost.StartNewIteration()
	rs.BeginIteration(now)

	ic := IterationContext{
		Iteration:        rs.IterationCount,
		SessionIteration: rs.SessionIterationCount,
		SessionID:        rs.SessionID,
		Phase:            rs.CurrentPhase,
		Profile:          r.profiles.For(rs.CurrentPhase),
		WorkDir:          r.workDir,
	}

	if rs.CurrentPhase == phase.Building {
		task, ok := r.plan.Current()
		if !ok {
			task, ok = r.plan.NextTask()
		}
		if ok {
			if err := r.plan.Start(task.ID, now); err != nil {
				return IterationContext{}, err
			}
			task, _ = r.plan.Task(task.ID)
			ic.Task = &task
		}
	}

	ic.RemainingTokens = rs.ContextBudget.Remaining()
	ic.RemainingSessionUSD = r.cost.RemainingSessionUSD()
	ic.ContextUsagePct = rs.ContextBudget.UsagePercentage()
	ic.SystemPrompt = r.systemPrompt(ic)
	ic.Prompt = r.prompt(ic)

	if err := r.persist(); err != nil {
		return IterationContext{}, err
	}
	r.current = &ic

	r.logger.Info("iteration started",
		"iteration", ic.Iteration,
		"session_iteration", ic.SessionIteration,
		"session_id", ic.SessionID,
		"phase", string(ic.Phase),
		"task_id", ic.TaskID(),
	)
	r.bus.Publish(event.NewIterationStarted(now, ic.Iteration, ic.SessionID, string(ic.Phase), ic.TaskID()))
	return ic, nil
}

// PostIteration applies the agent's result: counters, context budget,
// breaker, task completion, halt and transition evaluation. The updated
// state and plan are persisted before it returns; a persistence failure is
// returned as an error.
func (r *Runner) PostIteration(ctx context.Context, res agent.Result) (IterationResult, error) {
	ic := r.current
	if ic == nil {
		return IterationResult{}, fmt.Errorf("no open iteration: %w", errors.ErrInvalidTransition)
	}
	r.current = nil
	r.absorbExternal()

	now := r.now()
	rs := r.state
	out := IterationResult{
		Iteration: ic.Iteration,
		Phase:     ic.Phase,
		TaskID:    ic.TaskID(),
		CostUSD:   res.CostUSD,
		Tokens:    res.TokensUsed,
	}

	rs.RecordIteration(res.CostUSD, res.TokensUsed)
	r.cost.Record(res.CostUSD)
	for _, l := range res.Learnings {
		rs.Remember(state.Learning{Text: l})
	}

	iterErr := res.Err
	progress := len(res.Learnings) > 0
	// A completed task is kept even when the session failed afterwards; the
	// failure still counts against the breaker.
	if res.TaskCompleted && !errors.Is(iterErr, context.Canceled) {
		progress = r.completeTask(ic, res, &out, now) || progress
	}
	if iterErr == nil {
		var changed bool
		changed, iterErr = r.applySuccess(ctx, ic, res)
		progress = progress || changed
	}
	out.ProgressMade = progress

	switch {
	case iterErr != nil && errors.Is(iterErr, context.Canceled):
		out.Interrupted = true
		out.Err = iterErr
	case iterErr != nil:
		reason := util.TruncateString(util.FirstLine(iterErr.Error()), 200)
		rs.CircuitBreaker.RecordFailure(reason)
		if ic.Task != nil && out.CompletedTaskID != ic.Task.ID {
			if err := r.plan.RecordRetry(ic.Task.ID, now); err != nil {
				r.logger.Warn("could not record retry", "task_id", ic.Task.ID, "error", err.Error())
			}
		}
		out.Err = iterErr
	default:
		rs.CircuitBreaker.RecordSuccess(out.TasksCompleted, progress)
		out.Success = true
	}

	if halt, reason := rs.CircuitBreaker.ShouldHalt(rs.TotalCostUSD); halt {
		out.Halt, out.HaltReason = true, reason
	}
	out.LimitViolated = r.costLimit()
	switch out.LimitViolated {
	case budget.LimitTotal:
		if !out.Halt {
			out.Halt, out.HaltReason = true, "cost_limit:total"
		}
	case budget.LimitSession:
		out.HandoffNeeded = true
	}
	if rs.ContextBudget.ShouldHandoff() {
		out.HandoffNeeded = true
	}
	if out.Halt {
		rs.LastHaltReason = out.HaltReason
	}

	d := phase.Evaluate(rs.CurrentPhase, phase.Inputs{Plan: r.plan, ValidationPassed: rs.ValidationPassed()})
	out.TransitionEligible = d.Eligible
	out.TransitionReason = d.Reason
	if d.Eligible {
		out.NextPhase = d.To
	}

	rs.Touch(now)
	if err := r.persist(); err != nil {
		return out, err
	}

	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	r.logger.Info("iteration completed",
		"iteration", out.Iteration,
		"success", out.Success,
		"task_completed", out.CompletedTaskID,
		"cost_usd", out.CostUSD,
		"tokens", out.Tokens,
		"context_pct", rs.ContextBudget.UsagePercentage(),
		"handoff_needed", out.HandoffNeeded,
		"halt", out.HaltReason,
	)
	r.bus.Publish(event.NewIterationCompleted(now, out.Iteration, out.Success, out.CompletedTaskID,
		out.CostUSD, out.Tokens, rs.ContextBudget.UsagePercentage(), errMsg))
	return out, nil
}

// completeTask marks the task the agent reported as done. It reports whether
// the plan changed.
func (r *Runner) completeTask(ic *IterationContext, res agent.Result, out *IterationResult, now time.Time) bool {
	id := res.TaskID
	if id == "" {
		id = ic.TaskID()
	}
	if err := r.plan.Complete(id, res.Notes, res.TokensUsed, now); err != nil {
		r.logger.Warn("ignoring task completion", "task_id", id, "error", err.Error())
		return false
	}
	out.TasksCompleted = 1
	out.CompletedTaskID = id
	return true
}

// applySuccess handles the phase markers of a successful iteration. It
// reports whether measurable progress was made. A returned error turns the
// iteration into a failure.
func (r *Runner) applySuccess(ctx context.Context, ic *IterationContext, res agent.Result) (bool, error) {
	now := r.now()
	progress := false

	if ic.Phase == phase.Planning {
		changed, err := r.importDraft()
		if err != nil {
			return progress, err
		}
		progress = progress || changed
	}

	if res.PhaseComplete {
		progress = true
		if ic.Phase == phase.Validation && r.verificationConfigured() {
			rep, rel, err := r.runVerification(ctx)
			if err != nil {
				return progress, err
			}
			if !rep.Passed() {
				return progress, fmt.Errorf("%w: verification failed: %s", errors.ErrIterationFailure, failureSummary(rep))
			}
			r.state.SetSignal(state.ValidationPassed{Commands: rep.Commands(), ReportPath: rel, RecordedAt: now})
		} else {
			r.state.SetSignal(state.PhaseComplete{For: ic.Phase, Summary: res.PhaseSummary, RecordedAt: now})
		}
	}
	return progress, nil
}

// importDraft replaces the plan with the task list the planning agent wrote
// to the draft file. It reports whether the plan changed.
func (r *Runner) importDraft() (bool, error) {
	if r.store == nil || !r.store.Exists(store.DraftFile) {
		return false, nil
	}
	data, err := r.store.ReadFile(store.DraftFile)
	if err != nil {
		return false, err
	}
	draft, err := plan.Decode(data, plan.FormatYAML, r.now())
	if err != nil {
		return false, errors.NewValidationError("plan draft is invalid").WithField(store.DraftFile).WithCause(err)
	}
	if samePlan(r.plan, draft) {
		return false, nil
	}
	draft.CreatedAt = r.plan.CreatedAt
	r.plan = draft
	r.logger.Info("plan draft imported", "tasks", len(draft.Tasks))
	return true, nil
}

func samePlan(a, b *plan.Plan) bool {
	ea, errA := plan.Encode(a, plan.FormatJSON)
	eb, errB := plan.Encode(b, plan.FormatJSON)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
