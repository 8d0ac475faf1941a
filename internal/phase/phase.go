// Package phase implements the four-phase lifecycle (discovery, planning,
// building, validation): the ordering, the transition gates evaluated by
// the orchestrator, and the tool allow-list and turn budget of each phase.
package phase

import (
	"encoding/json"
	"fmt"
)

// Phase is a lifecycle stage.
type Phase string

const (
	Discovery  Phase = "discovery"
	Planning   Phase = "planning"
	Building   Phase = "building"
	Validation Phase = "validation"
	// Terminal is reached after validation passes. It is never persisted as
	// the current phase; the run simply ends.
	Terminal Phase = "terminal"
)

// All returns the persisted phases in lifecycle order.
func All() []Phase {
	return []Phase{Discovery, Planning, Building, Validation}
}

// String returns the phase name.
func (p Phase) String() string { return string(p) }

// Valid reports whether p is one of the four persisted phases.
func (p Phase) Valid() bool {
	switch p {
	case Discovery, Planning, Building, Validation:
		return true
	default:
		return false
	}
}

// Next returns the phase after p. Validation is followed by Terminal.
func (p Phase) Next() Phase {
	switch p {
	case Discovery:
		return Planning
	case Planning:
		return Building
	case Building:
		return Validation
	case Validation:
		return Terminal
	default:
		return Terminal
	}
}

// Index returns the 1-based position of p in the lifecycle, or 0 for
// anything that is not a persisted phase.
func (p Phase) Index() int {
	for i, q := range All() {
		if p == q {
			return i + 1
		}
	}
	return 0
}

// Parse converts a string into a Phase, rejecting unknown values.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// UnmarshalJSON rejects unknown phases so corrupted state is detected at load.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
