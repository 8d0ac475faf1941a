// Package state holds RunState, the aggregate root of a cadence run: the
// current phase, iteration and session counters, spend, the circuit breaker
// and the context budget.
//
// RunState is persisted independently of the plan so either can be reset
// without the other. Mutators take the time explicitly; nothing in this
// package reads the clock.
package state

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/cadence/internal/breaker"
	"github.com/Iron-Ham/cadence/internal/budget"
	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
)

// RunState is the persisted run document.
type RunState struct {
	CurrentPhase          phase.Phase `json:"currentPhase" validate:"required"`
	IterationCount        int         `json:"iterationCount" validate:"gte=0"`
	SessionIterationCount int         `json:"sessionIterationCount" validate:"gte=0,ltefield=IterationCount"`
	SessionID             string      `json:"sessionId"`
	SessionCount          int         `json:"sessionCount" validate:"gte=0"`

	TotalCostUSD   float64 `json:"totalCostUsd" validate:"gte=0"`
	SessionCostUSD float64 `json:"sessionCostUsd" validate:"gte=0"`
	TotalTokens    int     `json:"totalTokens" validate:"gte=0"`
	SessionTokens  int     `json:"sessionTokens" validate:"gte=0"`

	StartedAt      time.Time `json:"startedAt" validate:"required"`
	LastActivityAt time.Time `json:"lastActivityAt" validate:"required"`

	Paused bool `json:"paused"`

	// CompletionSignals is keyed by phase name.
	CompletionSignals map[string]SignalEnvelope `json:"completionSignals"`

	CircuitBreaker breaker.Breaker      `json:"circuitBreaker"`
	ContextBudget  budget.ContextBudget `json:"contextBudget"`

	// PendingMemory is drained into the next handoff note.
	PendingMemory  []MemoryEnvelope `json:"pendingMemory,omitempty"`
	LastHaltReason string           `json:"lastHaltReason,omitempty"`
}

// NewSessionID returns a fresh opaque session id.
func NewSessionID() string {
	return uuid.NewString()
}

// New returns the initial state of a run: Discovery, first session open,
// breaker closed, empty budget.
func New(cfg *config.Config, sessionID string, now time.Time) *RunState {
	if cfg == nil {
		cfg = config.Default()
	}
	return &RunState{
		CurrentPhase:      phase.Discovery,
		SessionID:         sessionID,
		SessionCount:      1,
		StartedAt:         now,
		LastActivityAt:    now,
		CompletionSignals: map[string]SignalEnvelope{},
		CircuitBreaker:    breaker.New(BreakerThresholds(cfg.Breaker)),
		ContextBudget:     budget.NewContextBudget(cfg.Budget.ContextCapacity, cfg.Budget.SafetyMargin),
	}
}

// BreakerThresholds converts the breaker section of the configuration.
func BreakerThresholds(c config.BreakerConfig) breaker.Thresholds {
	return breaker.Thresholds{
		MaxConsecutiveFailures:  c.MaxConsecutiveFailures,
		MaxStagnationIterations: c.MaxStagnationIterations,
		MaxCostUSD:              c.MaxCostUSD,
	}
}

// Validate checks invariants that struct tags cannot express.
func (s *RunState) Validate() error {
	if !s.CurrentPhase.Valid() {
		return errors.NewValidationError("unknown phase").
			WithField("currentPhase").WithValue(string(s.CurrentPhase))
	}
	if !s.CircuitBreaker.State.Valid() {
		return errors.NewValidationError("unknown circuit breaker state").
			WithField("circuitBreaker.state").WithValue(string(s.CircuitBreaker.State))
	}
	if s.SessionCostUSD > s.TotalCostUSD+1e-9 {
		return errors.NewValidationError("session cost exceeds total cost").WithField("sessionCostUsd")
	}
	for key, env := range s.CompletionSignals {
		if env.Signal == nil {
			return errors.NewValidationError("empty completion signal").WithField("completionSignals." + key)
		}
		if string(env.Signal.Phase()) != key {
			return errors.NewValidationError("completion signal filed under the wrong phase").
				WithField("completionSignals." + key).WithValue(string(env.Signal.Phase()))
		}
	}
	return nil
}

// StartSession opens a new agent session. Session counters and the context
// budget start from zero.
func (s *RunState) StartSession(id string, at time.Time) {
	s.SessionID = id
	s.SessionCount++
	s.SessionIterationCount = 0
	s.SessionCostUSD = 0
	s.SessionTokens = 0
	s.ContextBudget.Reset()
	s.Touch(at)
}

// TransitionTo moves to the phase after the current one. Any other target is
// rejected. The context budget is reset because a new phase starts with a
// fresh prompt.
func (s *RunState) TransitionTo(to phase.Phase, at time.Time) error {
	if !to.Valid() || s.CurrentPhase.Next() != to {
		return fmt.Errorf("%s -> %s: %w", s.CurrentPhase, to, errors.ErrInvalidTransition)
	}
	s.CurrentPhase = to
	s.ContextBudget.Reset()
	s.Touch(at)
	return nil
}

// Touch records activity.
func (s *RunState) Touch(at time.Time) {
	s.LastActivityAt = at
}

// BeginIteration advances the lifetime and session iteration counters.
func (s *RunState) BeginIteration(at time.Time) {
	s.IterationCount++
	s.SessionIterationCount++
	s.Touch(at)
}

// RecordIteration adds the cost and tokens of one iteration to the counters
// and the context budget. Negative values are ignored.
func (s *RunState) RecordIteration(costUSD float64, tokens int) {
	if costUSD > 0 {
		s.TotalCostUSD += costUSD
		s.SessionCostUSD += costUSD
	}
	if tokens > 0 {
		s.TotalTokens += tokens
		s.SessionTokens += tokens
		s.ContextBudget.AddUsage(tokens)
	}
}

// SetSignal records a completion signal, replacing any earlier one for the
// same phase.
func (s *RunState) SetSignal(sig Signal) {
	if s.CompletionSignals == nil {
		s.CompletionSignals = map[string]SignalEnvelope{}
	}
	s.CompletionSignals[string(sig.Phase())] = SignalEnvelope{Signal: sig}
}

// Signal returns the completion signal recorded for p.
func (s *RunState) Signal(p phase.Phase) (Signal, bool) {
	env, ok := s.CompletionSignals[string(p)]
	if !ok || env.Signal == nil {
		return nil, false
	}
	return env.Signal, true
}

// ConsumeSignal returns and clears the completion signal for p.
func (s *RunState) ConsumeSignal(p phase.Phase) (Signal, bool) {
	sig, ok := s.Signal(p)
	if ok {
		delete(s.CompletionSignals, string(p))
	}
	return sig, ok
}

// ValidationPassed reports whether a passing verification has been recorded.
func (s *RunState) ValidationPassed() bool {
	sig, ok := s.Signal(phase.Validation)
	if !ok {
		return false
	}
	switch sig.(type) {
	case ValidationPassed, PhaseComplete:
		return true
	default:
		return false
	}
}

// Remember queues a memory update for the next handoff.
func (s *RunState) Remember(u MemoryUpdate) {
	s.PendingMemory = append(s.PendingMemory, MemoryEnvelope{Update: u})
}

// DrainMemory returns and clears the queued memory updates.
func (s *RunState) DrainMemory() []MemoryUpdate {
	out := make([]MemoryUpdate, 0, len(s.PendingMemory))
	for _, env := range s.PendingMemory {
		if env.Update != nil {
			out = append(out, env.Update)
		}
	}
	s.PendingMemory = nil
	return out
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	c := *s
	c.CompletionSignals = maps.Clone(s.CompletionSignals)
	if s.PendingMemory != nil {
		c.PendingMemory = append([]MemoryEnvelope(nil), s.PendingMemory...)
	}
	if s.CircuitBreaker.LastFailureReason != nil {
		r := *s.CircuitBreaker.LastFailureReason
		c.CircuitBreaker.LastFailureReason = &r
	}
	return &c
}
