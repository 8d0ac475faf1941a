package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/breaker"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/recovery"
	"github.com/Iron-Ham/cadence/internal/util"
)

// ExecuteFunc runs the agent for one iteration. A returned error is treated
// as a failed iteration, the same as Result.Err.
type ExecuteFunc func(ctx context.Context, ic IterationContext) (agent.Result, error)

// LoopResult summarizes a Run.
type LoopResult struct {
	Status         Status
	Iterations     int
	TasksCompleted int
	TotalCostUSD   float64
	TotalTokens    int
	FinalPhase     phase.Phase
	// StopReason says why the loop returned, for example
	// "consecutive_failures:3" or "max_iterations:50".
	StopReason   string
	SessionCount int
}

type loop struct {
	iterations int
	completed  int
}

// Run iterates until the run completes, halts, is paused or reaches max
// iterations. max <= 0 uses the configured limit. The state is reloaded
// from the store before every iteration so pause and manual completion
// signals written by other commands take effect. Cancelling ctx pauses the
// run; the iteration in flight keeps its task in progress.
//
// The returned error is non-nil only for StatusFailed.
func (r *Runner) Run(ctx context.Context, exec ExecuteFunc, max int) (LoopResult, error) {
	if max <= 0 {
		max = r.cfg.Runner.MaxIterations
	}
	var l loop

	for {
		if err := r.Refresh(); err != nil {
			return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
		}
		if status, reason, stop := r.stopBefore(ctx); stop {
			if status == StatusHalted {
				return r.halt(&l, reason)
			}
			return r.finish(&l, status, reason), nil
		}

		advanced, done, err := r.maybeAdvance(ctx)
		if err != nil {
			return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
		}
		if done {
			return r.finish(&l, StatusCompleted, "validation passed"), nil
		}
		if advanced {
			continue
		}

		if l.iterations >= max {
			return r.finish(&l, StatusRunning, fmt.Sprintf("max_iterations:%d", max)), nil
		}
		if status, reason, stop := r.stopForPlan(); stop {
			return r.finish(&l, status, reason), nil
		}

		ic, err := r.PreIteration(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(&l, StatusPaused, "interrupted"), nil
			}
			return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
		}

		res, execErr := exec(ctx, ic)
		if execErr != nil && res.Err == nil {
			res.Err = execErr
		}
		l.iterations++

		out, err := r.PostIteration(ctx, res)
		if err != nil {
			return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
		}
		l.completed += out.TasksCompleted

		switch {
		case out.Interrupted:
			return r.finish(&l, StatusPaused, "interrupted"), nil
		case out.Halt:
			return r.halt(&l, out.HaltReason)
		}

		handedOff := false
		if !out.Success || !out.ProgressMade {
			var stop bool
			var reason string
			handedOff, stop, reason, err = r.recover(ctx, out)
			if err != nil {
				return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
			}
			if stop {
				return r.finish(&l, StatusHalted, reason), nil
			}
		}

		if out.HandoffNeeded && !handedOff {
			reason := fmt.Sprintf("context at %.0f%%", r.state.ContextBudget.UsagePercentage())
			if out.LimitViolated != "" {
				reason = fmt.Sprintf("%s cost limit reached", out.LimitViolated)
			}
			if _, err := r.Handoff(ctx, reason); err != nil {
				if ctx.Err() != nil {
					return r.finish(&l, StatusPaused, "interrupted"), nil
				}
				return r.finish(&l, StatusFailed, util.FirstLine(err.Error())), err
			}
		}
	}
}

// RunSession runs the loop with an agent session, streaming its events to
// events. events may be nil.
func (r *Runner) RunSession(ctx context.Context, s agent.Session, max int, events chan<- agent.Event) (LoopResult, error) {
	return r.Run(ctx, func(ctx context.Context, ic IterationContext) (agent.Result, error) {
		return s.Execute(ctx, ic.Request(), events)
	}, max)
}

// stopBefore checks the conditions that end the loop regardless of phase.
func (r *Runner) stopBefore(ctx context.Context) (Status, string, bool) {
	rs := r.state
	switch {
	case ctx.Err() != nil:
		return StatusPaused, "interrupted", true
	case rs.Paused:
		return StatusPaused, "paused", true
	}
	if halt, reason := rs.CircuitBreaker.ShouldHalt(rs.TotalCostUSD); halt {
		return StatusHalted, reason, true
	}
	if max := r.cfg.Cost.MaxTotalUSD; max > 0 && rs.TotalCostUSD >= max {
		return StatusHalted, "cost_limit:total", true
	}
	return "", "", false
}

// stopForPlan checks the building phase for work that cannot continue.
func (r *Runner) stopForPlan() (Status, string, bool) {
	if r.state.CurrentPhase != phase.Building {
		return "", "", false
	}
	c := r.plan.Counts()
	if r.plan.Settled() {
		return StatusRunning, "no pending tasks", true
	}
	if c.InProgress == 0 {
		if _, ok := r.plan.NextTask(); !ok {
			return StatusHalted, "dependency_deadlock", true
		}
	}
	return "", "", false
}

// maybeAdvance moves to the next phase when the gate is open. Discovery,
// planning and validation advance only once their completion signal is
// present; building advances as soon as every task is settled. done is set
// when validation has passed, which always ends the run.
func (r *Runner) maybeAdvance(ctx context.Context) (advanced, done bool, err error) {
	if r.Complete() {
		if _, err := r.Transition(ctx); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	if !r.cfg.Runner.AutoTransition {
		return false, false, nil
	}
	rs := r.state
	d := phase.Evaluate(rs.CurrentPhase, phase.Inputs{Plan: r.plan, ValidationPassed: rs.ValidationPassed()})
	if !d.Eligible {
		return false, false, nil
	}
	if d.From != phase.Building {
		if _, ok := rs.Signal(d.From); !ok {
			return false, false, nil
		}
	}
	if _, err := r.Transition(ctx); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// recover applies the recovery policy after an iteration that failed or made
// no progress. stop is set when the run needs an operator.
func (r *Runner) recover(ctx context.Context, out IterationResult) (handedOff, stop bool, reason string, err error) {
	rs := r.state
	failure := "no progress"
	if out.Err != nil {
		failure = util.FirstLine(out.Err.Error())
	}
	action := recovery.Determine(rs, failure, r.recovery)
	if action == recovery.Retry {
		return false, false, "", nil
	}
	explain := recovery.Explain(action, rs, r.recovery)

	target := recovery.Target{
		State:  rs,
		TaskID: out.TaskID,
		Reason: explain,
		Handoff: func() error {
			_, err := r.Handoff(ctx, "recovery: "+explain)
			handedOff = err == nil
			return err
		},
	}
	// Only building iterations work on a task; elsewhere there is nothing to
	// skip.
	if out.Phase == phase.Building {
		target.Plan = r.plan
	}
	o := recovery.Apply(action, target)

	r.logger.Warn("recovery applied",
		"action", string(action),
		"reason", explain,
		"failure", failure,
		"task_id", o.TaskID,
		"ok", o.OK,
	)
	r.bus.Publish(event.NewRecoveryApplied(r.now(), string(action), explain, o.TaskID, o.OK))

	switch {
	case action == recovery.ManualIntervention:
		reason = "manual_intervention: " + explain
		rs.LastHaltReason = reason
		rs.Touch(r.now())
		return false, true, reason, r.persist()
	case o.Err != nil && action == recovery.Handoff:
		return false, false, "", o.Err
	case o.Err != nil:
		r.logger.Warn("recovery action failed", "action", string(action), "error", o.Err.Error())
	}
	if handedOff {
		return true, false, "", nil
	}
	rs.Touch(r.now())
	return false, false, "", r.persist()
}

// halt ends the loop as halted. Spending past a cost limit is never healed
// automatically, so a cost halt becomes a manual intervention.
func (r *Runner) halt(l *loop, reason string) (LoopResult, error) {
	if strings.HasPrefix(reason, breaker.ReasonCostLimit) {
		var err error
		if reason, err = r.interveneOnCost(reason); err != nil {
			return r.finish(l, StatusFailed, util.FirstLine(err.Error())), err
		}
	}
	return r.finish(l, StatusHalted, reason), nil
}

// interveneOnCost applies the manual intervention action for a cost halt
// and records the reason on the state.
func (r *Runner) interveneOnCost(costReason string) (string, error) {
	rs := r.state
	explain := fmt.Sprintf("total cost $%.2f reached the cost limit (%s)", rs.TotalCostUSD, costReason)
	o := recovery.Apply(recovery.ManualIntervention, recovery.Target{State: rs, Reason: explain})

	r.logger.Warn("recovery applied",
		"action", string(o.Action),
		"reason", explain,
		"ok", o.OK,
	)
	r.bus.Publish(event.NewRecoveryApplied(r.now(), string(o.Action), explain, "", o.OK))

	reason := "manual_intervention: " + explain
	rs.LastHaltReason = reason
	rs.Touch(r.now())
	return reason, r.persist()
}

func (r *Runner) finish(l *loop, status Status, reason string) LoopResult {
	rs := r.state
	final := rs.CurrentPhase
	if status == StatusCompleted {
		final = phase.Terminal
	}
	res := LoopResult{
		Status:         status,
		Iterations:     l.iterations,
		TasksCompleted: l.completed,
		TotalCostUSD:   rs.TotalCostUSD,
		TotalTokens:    rs.TotalTokens,
		FinalPhase:     final,
		StopReason:     reason,
		SessionCount:   rs.SessionCount,
	}

	now := r.now()
	switch status {
	case StatusHalted:
		r.logger.Error("loop halted", "reason", reason)
		r.bus.Publish(event.NewLoopHalted(now, reason))
	case StatusFailed:
		r.logger.Error("loop failed", "reason", reason)
	default:
		r.logger.Info("loop stopped", "status", string(status), "reason", reason)
	}
	r.bus.Publish(event.NewLoopFinished(now, string(status), l.iterations, l.completed, rs.TotalCostUSD, string(final)))
	return res
}
