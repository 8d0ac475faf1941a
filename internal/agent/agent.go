// Package agent defines the contract between the runner and an agent
// session, and a session implementation that drives the Claude CLI.
//
// The runner hands a session a Request and gets back a Result: cost,
// tokens, and whether a task was completed. How the session produced the
// result is opaque to the runner. Sessions may also stream Events while
// they work; consumers that do not care pass a nil channel.
package agent

import (
	"context"
	"time"

	"github.com/Iron-Ham/cadence/internal/phase"
)

// Request is the input of one iteration.
type Request struct {
	Prompt       string
	SystemPrompt string
	Phase        phase.Phase
	AllowedTools []string
	MaxTurns     int
	// SessionID identifies the cadence session the iteration belongs to.
	SessionID string
	// TaskID is the task the prompt asks for, if any.
	TaskID  string
	WorkDir string
}

// Result is the outcome of one iteration.
type Result struct {
	CostUSD       float64
	TokensUsed    int
	TaskCompleted bool
	TaskID        string
	// Notes is the completion note reported with the task.
	Notes string
	// PhaseComplete is set when the agent declared the current phase done.
	PhaseComplete bool
	PhaseSummary  string
	// Learnings are notes the agent asked to carry into the next session.
	Learnings []string
	// Denials counts tool calls rejected by the permission layer.
	Denials int
	// Err is non-nil when the iteration failed.
	Err error
}

// EventKind identifies a streamed event.
type EventKind string

const (
	EventToolStart  EventKind = "tool_start"
	EventToolEnd    EventKind = "tool_end"
	EventText       EventKind = "text"
	EventNeedsInput EventKind = "needs_input"
)

// Event is an intermediate observation of a running session.
type Event struct {
	Kind EventKind
	At   time.Time
	Tool string
	// Input is the tool input, or the command line for Bash.
	Input string
	Text  string
	// Denied is set on tool_start events the permission layer rejected.
	Denied bool
	Reason string
	// Failed is set on tool_end events whose result was an error.
	Failed bool
}

// Session executes one iteration.
type Session interface {
	// Execute runs req to completion. A returned error means the session
	// could not be run; failures of the work itself are reported in
	// Result.Err. Events, when non-nil, receives streamed events and is not
	// closed by Execute.
	Execute(ctx context.Context, req Request, events chan<- Event) (Result, error)
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context, req Request, events chan<- Event) (Result, error)

// Execute calls f.
func (f SessionFunc) Execute(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	return f(ctx, req, events)
}

// emit sends ev unless events is nil or ctx is done.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
