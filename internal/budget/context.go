// Package budget tracks the two resources an agent run consumes: context
// window tokens within a session, and USD spend at iteration, session and
// lifetime granularity.
package budget

import "math"

// DefaultSafetyMargin is the fraction of capacity reserved for the handoff exchange.
const DefaultSafetyMargin = 0.20

// Smart zone: a session may use smartZonePercent of its capacity before a
// handoff is preferred.
const smartZonePercent = 60

// ContextBudget tracks token usage of the current agent session.
// CurrentUsage only grows within a session; Reset starts a new one.
type ContextBudget struct {
	TotalCapacity int     `json:"totalCapacity" validate:"gte=0"`
	SafetyMargin  float64 `json:"safetyMargin" validate:"gte=0,lt=1"`
	CurrentUsage  int     `json:"currentUsage" validate:"gte=0"`
}

// NewContextBudget returns an empty budget for a session of capacity tokens.
func NewContextBudget(capacity int, safetyMargin float64) ContextBudget {
	return ContextBudget{TotalCapacity: capacity, SafetyMargin: safetyMargin}
}

// AddUsage records tokens consumed. Non-positive values are ignored.
func (b *ContextBudget) AddUsage(tokens int) {
	if tokens > 0 {
		b.CurrentUsage += tokens
	}
}

// Reset zeroes usage at the start of a session or phase.
func (b *ContextBudget) Reset() {
	b.CurrentUsage = 0
}

// EffectiveCapacity is the capacity left after the safety margin.
func (b ContextBudget) EffectiveCapacity() int {
	return int(math.Round(float64(b.TotalCapacity) * (1 - b.SafetyMargin)))
}

// SmartZoneMax is the usage at which a handoff becomes due.
func (b ContextBudget) SmartZoneMax() int {
	return b.TotalCapacity * smartZonePercent / 100
}

// ShouldHandoff reports whether usage has reached the smart zone limit.
func (b ContextBudget) ShouldHandoff() bool {
	return b.CurrentUsage >= b.SmartZoneMax()
}

// UsagePercentage returns usage as a percentage of capacity, or 0 when
// capacity is not positive.
func (b ContextBudget) UsagePercentage() float64 {
	if b.TotalCapacity <= 0 {
		return 0
	}
	return float64(b.CurrentUsage) * 100 / float64(b.TotalCapacity)
}

// Remaining returns the tokens left before the smart zone limit, never negative.
func (b ContextBudget) Remaining() int {
	if r := b.SmartZoneMax() - b.CurrentUsage; r > 0 {
		return r
	}
	return 0
}
