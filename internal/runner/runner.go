// Package runner drives the iterate, verify, persist cycle.
//
// One Runner owns the run state and the plan of a project for the duration
// of a loop. Each iteration is PreIteration, a call into the agent session,
// then PostIteration; the runner alone decides which task comes next, when a
// session hands off, when a phase advances, and when the loop stops. The
// agent's answer is taken only as the (cost, tokens, completed task, error)
// result it reports.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/cadence/internal/budget"
	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/recovery"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/store"
	"github.com/Iron-Ham/cadence/internal/verify"
)

// Status is the state of a loop when it returns.
type Status string

const (
	// StatusRunning means the loop stopped but the run has work left, for
	// example after reaching the iteration limit.
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusHalted    Status = "halted"
)

// Runner executes iterations against one run state and plan.
type Runner struct {
	cfg      *config.Config
	profiles phase.Profiles
	recovery recovery.Config
	store    *store.Store
	bus      *event.Bus
	verifier *verify.Verifier
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string
	workDir  string

	state *state.RunState
	plan  *plan.Plan
	cost  *budget.CostController

	// current is the iteration between PreIteration and PostIteration.
	current *IterationContext
	// lastNote is the most recent handoff note written by this runner.
	lastNote string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithBus publishes loop events on bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithStore persists state through s and reloads it between iterations so
// external edits (pause, complete) are observed.
func WithStore(s *store.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithVerifier runs the configured backpressure commands when the agent
// declares the validation phase complete.
func WithVerifier(v *verify.Verifier) Option {
	return func(r *Runner) { r.verifier = v }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Runner) { r.newID = gen }
}

// WithProfiles replaces the phase profiles derived from the config.
func WithProfiles(p phase.Profiles) Option {
	return func(r *Runner) { r.profiles = p }
}

// WithWorkDir sets the project directory agent sessions and verification
// commands run in.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// New returns a runner over rs and p. A nil rs or p starts a fresh run.
func New(cfg *config.Config, rs *state.RunState, p *plan.Plan, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{
		cfg:      cfg,
		profiles: ProfilesFromConfig(cfg),
		recovery: recovery.FromConfig(cfg.Recovery),
		now:      time.Now,
		newID:    state.NewSessionID,
		state:    rs,
		plan:     p,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).With("component", "runner")
	if r.state == nil {
		r.state = state.New(cfg, r.newID(), r.now())
	}
	if r.plan == nil {
		r.plan = plan.New(r.now())
	}
	r.applyConfig()
	return r
}

// ProfilesFromConfig returns the default phase profiles with the configured
// turn budgets applied.
func ProfilesFromConfig(cfg *config.Config) phase.Profiles {
	return phase.DefaultProfiles().WithMaxTurns(map[phase.Phase]int{
		phase.Discovery:  cfg.Phases.DiscoveryMaxTurns,
		phase.Planning:   cfg.Phases.PlanningMaxTurns,
		phase.Building:   cfg.Phases.BuildingMaxTurns,
		phase.Validation: cfg.Phases.ValidationMaxTurns,
	})
}

// State returns a copy of the run state.
func (r *Runner) State() *state.RunState { return r.state.Clone() }

// Plan returns a copy of the plan.
func (r *Runner) Plan() *plan.Plan { return r.plan.Clone() }

// Refresh reloads both documents from the store. It is a no-op without a
// store.
func (r *Runner) Refresh() error {
	if r.store == nil {
		return nil
	}
	rs, p, err := r.store.Load()
	if err != nil {
		return err
	}
	r.state, r.plan = rs, p
	r.applyConfig()
	return nil
}

// applyConfig brings the loaded state in line with the resolved
// configuration: the breaker thresholds persisted with the state follow the
// current config, and the cost controller is rebuilt.
func (r *Runner) applyConfig() {
	r.state.CircuitBreaker.ApplyThresholds(state.BreakerThresholds(r.cfg.Breaker))
	r.resetCost()
}

// resetCost rebuilds the cost controller from the persisted counters.
func (r *Runner) resetCost() {
	c := r.cfg.Cost
	r.cost = budget.NewCostController(
		budget.Limits{
			MaxIterationUSD:  c.MaxIterationUSD,
			MaxSessionUSD:    c.MaxSessionUSD,
			MaxTotalUSD:      c.MaxTotalUSD,
			WarningThreshold: c.WarningThreshold,
		},
		r.state.SessionCostUSD,
		r.state.TotalCostUSD,
		budget.Callbacks{
			OnWarning: func(spent, max float64) {
				r.logger.Warn("approaching total cost limit", "spent_usd", spent, "max_usd", max)
			},
		},
		r.logger,
	)
}

// costLimit returns the cost limit the last iteration violated. An
// iteration overrun is only reported when neither the session nor the total
// limit is violated as well.
func (r *Runner) costLimit() budget.Limit {
	within, limit := r.cost.CheckLimits()
	if within {
		return budget.LimitNone
	}
	if limit == budget.LimitIteration {
		c := r.cfg.Cost
		switch {
		case c.MaxTotalUSD > 0 && r.cost.TotalUSD() >= c.MaxTotalUSD:
			return budget.LimitTotal
		case c.MaxSessionUSD > 0 && r.cost.SessionUSD() >= c.MaxSessionUSD:
			return budget.LimitSession
		}
	}
	return limit
}

// absorbExternal picks up the pause flag and completion signals that other
// commands wrote while an iteration was running, so persisting the runner's
// copy does not drop them.
func (r *Runner) absorbExternal() {
	if r.store == nil {
		return
	}
	disk, err := r.store.LoadRunState()
	if err != nil {
		r.logger.Warn("could not re-read run state", "error", err.Error())
		return
	}
	if disk.Paused {
		r.state.Paused = true
	}
	if r.state.CompletionSignals == nil {
		r.state.CompletionSignals = map[string]state.SignalEnvelope{}
	}
	for k, sig := range disk.CompletionSignals {
		if _, ok := r.state.CompletionSignals[k]; !ok {
			r.state.CompletionSignals[k] = sig
		}
	}
}

func (r *Runner) persist() error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveBoth(r.state, r.plan)
}

// Transition advances to the next phase when the gate allows it. The
// completion signal of the phase being left is consumed. Leaving validation
// ends the run; the passing signal is kept as the record of completion.
func (r *Runner) Transition(ctx context.Context) (phase.Decision, error) {
	if err := ctx.Err(); err != nil {
		return phase.Decision{}, err
	}
	rs := r.state
	d := phase.Evaluate(rs.CurrentPhase, phase.Inputs{Plan: r.plan, ValidationPassed: rs.ValidationPassed()})
	if !d.Eligible {
		return d, fmt.Errorf("%s -> %s: %s: %w", d.From, d.To, d.Reason, errors.ErrInvalidTransition)
	}

	now := r.now()
	if d.To != phase.Terminal {
		rs.ConsumeSignal(d.From)
		if err := rs.TransitionTo(d.To, now); err != nil {
			return d, err
		}
		if err := r.persist(); err != nil {
			return d, err
		}
	}
	r.logger.Info("phase changed", "from", string(d.From), "to", string(d.To))
	r.bus.Publish(event.NewPhaseChanged(now, string(d.From), string(d.To)))
	return d, nil
}

// Complete reports whether the run has passed validation.
func (r *Runner) Complete() bool {
	return r.state.CurrentPhase == phase.Validation && r.state.ValidationPassed()
}
