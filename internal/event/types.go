package event

import "time"

// Event is implemented by everything published on the bus.
type Event interface {
	// EventType returns "category.action", e.g. "iteration.started".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypeIterationStarted   = "iteration.started"
	TypeIterationCompleted = "iteration.completed"
	TypePhaseChanged       = "phase.changed"
	TypeSessionHandoff     = "session.handoff"
	TypeRecoveryApplied    = "recovery.applied"
	TypeLoopHalted         = "loop.halted"
	TypeLoopFinished       = "loop.finished"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string, at time.Time) baseEvent {
	return baseEvent{eventType: eventType, timestamp: at}
}

// IterationStarted is published after PreIteration.
type IterationStarted struct {
	baseEvent
	Iteration int
	SessionID string
	Phase     string
	TaskID    string // empty outside Building or when no task is eligible
}

// NewIterationStarted creates an IterationStarted event.
func NewIterationStarted(at time.Time, iteration int, sessionID, phase, taskID string) IterationStarted {
	return IterationStarted{
		baseEvent: newBaseEvent(TypeIterationStarted, at),
		Iteration: iteration,
		SessionID: sessionID,
		Phase:     phase,
		TaskID:    taskID,
	}
}

// IterationCompleted is published after PostIteration persisted the result.
type IterationCompleted struct {
	baseEvent
	Iteration       int
	Success         bool
	TaskCompleted   string
	CostUSD         float64
	Tokens          int
	ContextUsagePct float64
	Error           string
}

// NewIterationCompleted creates an IterationCompleted event.
func NewIterationCompleted(at time.Time, iteration int, success bool, taskCompleted string, costUSD float64, tokens int, usagePct float64, errMsg string) IterationCompleted {
	return IterationCompleted{
		baseEvent:       newBaseEvent(TypeIterationCompleted, at),
		Iteration:       iteration,
		Success:         success,
		TaskCompleted:   taskCompleted,
		CostUSD:         costUSD,
		Tokens:          tokens,
		ContextUsagePct: usagePct,
		Error:           errMsg,
	}
}

// PhaseChanged is published when the run moves to the next phase.
type PhaseChanged struct {
	baseEvent
	From string
	To   string
}

// NewPhaseChanged creates a PhaseChanged event.
func NewPhaseChanged(at time.Time, from, to string) PhaseChanged {
	return PhaseChanged{baseEvent: newBaseEvent(TypePhaseChanged, at), From: from, To: to}
}

// SessionHandoff is published when a session ends and a fresh one starts.
type SessionHandoff struct {
	baseEvent
	PreviousSessionID string
	NewSessionID      string
	NotePath          string
	UsagePct          float64
}

// NewSessionHandoff creates a SessionHandoff event.
func NewSessionHandoff(at time.Time, prev, next, notePath string, usagePct float64) SessionHandoff {
	return SessionHandoff{
		baseEvent:         newBaseEvent(TypeSessionHandoff, at),
		PreviousSessionID: prev,
		NewSessionID:      next,
		NotePath:          notePath,
		UsagePct:          usagePct,
	}
}

// RecoveryApplied is published after a recovery action ran.
type RecoveryApplied struct {
	baseEvent
	Action string
	Reason string
	TaskID string
	OK     bool
}

// NewRecoveryApplied creates a RecoveryApplied event.
func NewRecoveryApplied(at time.Time, action, reason, taskID string, ok bool) RecoveryApplied {
	return RecoveryApplied{
		baseEvent: newBaseEvent(TypeRecoveryApplied, at),
		Action:    action,
		Reason:    reason,
		TaskID:    taskID,
		OK:        ok,
	}
}

// LoopHalted is published when the circuit breaker or recovery stops the loop.
type LoopHalted struct {
	baseEvent
	Reason string
}

// NewLoopHalted creates a LoopHalted event.
func NewLoopHalted(at time.Time, reason string) LoopHalted {
	return LoopHalted{baseEvent: newBaseEvent(TypeLoopHalted, at), Reason: reason}
}

// LoopFinished is published once when Run returns.
type LoopFinished struct {
	baseEvent
	Status         string
	Iterations     int
	TasksCompleted int
	TotalCostUSD   float64
	FinalPhase     string
}

// NewLoopFinished creates a LoopFinished event.
func NewLoopFinished(at time.Time, status string, iterations, tasks int, cost float64, finalPhase string) LoopFinished {
	return LoopFinished{
		baseEvent:      newBaseEvent(TypeLoopFinished, at),
		Status:         status,
		Iterations:     iterations,
		TasksCompleted: tasks,
		TotalCostUSD:   cost,
		FinalPhase:     finalPhase,
	}
}
