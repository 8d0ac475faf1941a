// Package breaker implements the circuit breaker that stops a run which keeps
// failing, keeps producing nothing, or spends too much.
//
// Failures (the agent session returned an error) and stagnation (the session
// succeeded but made no measurable progress) are counted separately. Both
// counters grow on a failure, so a mix of failures and empty successes trips
// the breaker sooner than either alone.
package breaker

import (
	"encoding/json"
	"fmt"
)

// State is the breaker state.
type State string

const (
	// Closed is normal operation.
	Closed State = "closed"
	// Open means the failure threshold was reached. It stays open until Reset.
	Open State = "open"
	// HalfOpen is a probation state entered only through EnterHalfOpen; one
	// recorded success closes the breaker.
	HalfOpen State = "half_open"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Closed, Open, HalfOpen:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown states.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !State(raw).Valid() {
		return fmt.Errorf("unknown circuit breaker state %q", raw)
	}
	*s = State(raw)
	return nil
}

// Halt reason prefixes.
const (
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonStagnation          = "stagnation"
	ReasonCostLimit           = "cost_limit"
)

// Thresholds configures when the breaker halts.
type Thresholds struct {
	MaxConsecutiveFailures  int
	MaxStagnationIterations int
	MaxCostUSD              float64
}

// Breaker is the persisted circuit breaker.
type Breaker struct {
	State                   State   `json:"state" validate:"required"`
	FailureCount            int     `json:"failureCount" validate:"gte=0"`
	StagnationCount         int     `json:"stagnationCount" validate:"gte=0"`
	MaxConsecutiveFailures  int     `json:"maxConsecutiveFailures" validate:"gte=1"`
	MaxStagnationIterations int     `json:"maxStagnationIterations" validate:"gte=1"`
	MaxCostUSD              float64 `json:"maxCostUsd" validate:"gt=0"`
	LastFailureReason       *string `json:"lastFailureReason,omitempty"`
}

// New returns a closed breaker with the given thresholds.
func New(th Thresholds) Breaker {
	return Breaker{
		State:                   Closed,
		MaxConsecutiveFailures:  th.MaxConsecutiveFailures,
		MaxStagnationIterations: th.MaxStagnationIterations,
		MaxCostUSD:              th.MaxCostUSD,
	}
}

// ApplyThresholds replaces the thresholds and keeps the counters and state.
// A persisted breaker picks up configuration changes this way.
func (b *Breaker) ApplyThresholds(th Thresholds) {
	b.MaxConsecutiveFailures = th.MaxConsecutiveFailures
	b.MaxStagnationIterations = th.MaxStagnationIterations
	b.MaxCostUSD = th.MaxCostUSD
}

// RecordSuccess records an iteration that finished without error. The
// failure streak always ends; the stagnation streak ends only when a task
// was completed or progress was made.
func (b *Breaker) RecordSuccess(tasksCompleted int, progressMade bool) {
	b.FailureCount = 0
	if tasksCompleted > 0 || progressMade {
		b.StagnationCount = 0
	} else {
		b.StagnationCount++
	}
	if b.State == HalfOpen {
		b.State = Closed
	}
}

// RecordFailure records an iteration that returned an error.
func (b *Breaker) RecordFailure(reason string) {
	b.FailureCount++
	b.StagnationCount++
	b.LastFailureReason = &reason
	if b.FailureCount >= b.MaxConsecutiveFailures {
		b.State = Open
	}
}

// ShouldHalt reports whether the loop must stop, checking consecutive
// failures, then stagnation, then cost.
func (b *Breaker) ShouldHalt(currentCostUSD float64) (bool, string) {
	switch {
	case b.FailureCount >= b.MaxConsecutiveFailures:
		return true, fmt.Sprintf("%s:%d", ReasonConsecutiveFailures, b.FailureCount)
	case b.StagnationCount >= b.MaxStagnationIterations:
		return true, fmt.Sprintf("%s:%d", ReasonStagnation, b.StagnationCount)
	case currentCostUSD >= b.MaxCostUSD:
		return true, fmt.Sprintf("%s:$%.2f", ReasonCostLimit, currentCostUSD)
	}
	return false, ""
}

// EnterHalfOpen moves an open breaker into probation. It is the only way
// into HalfOpen; nothing promotes the breaker automatically. The failure
// streak is cleared so the probation iteration is not halted immediately.
func (b *Breaker) EnterHalfOpen() {
	if b.State != Open {
		return
	}
	b.State = HalfOpen
	b.FailureCount = 0
}

// Reset closes the breaker and clears both counters and the last reason.
func (b *Breaker) Reset() {
	b.State = Closed
	b.FailureCount = 0
	b.StagnationCount = 0
	b.LastFailureReason = nil
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	return b.State == Open
}
