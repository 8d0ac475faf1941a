// Package plan holds the task plan: an unordered set of tasks with
// priorities and dependencies, and the deterministic rule that picks the
// next task to work on.
package plan

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusPending is a task that has not been started.
	StatusPending TaskStatus = "pending"
	// StatusInProgress is the task an agent session is currently working on.
	StatusInProgress TaskStatus = "in_progress"
	// StatusComplete is a task whose work is done.
	StatusComplete TaskStatus = "complete"
	// StatusBlocked is a task that cannot proceed; see Task.Blockers.
	StatusBlocked TaskStatus = "blocked"
)

// Statuses returns every valid status in lifecycle order.
func Statuses() []TaskStatus {
	return []TaskStatus{StatusPending, StatusInProgress, StatusComplete, StatusBlocked}
}

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for Complete and Blocked.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusBlocked:
		return true
	default:
		return false
	}
}

// ParseTaskStatus converts a string into a TaskStatus, rejecting unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return status, nil
}

// UnmarshalJSON rejects unknown statuses so a corrupted plan is detected at load.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTaskStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML rejects unknown statuses in imported plans. An empty status
// means pending.
func (s *TaskStatus) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*s = StatusPending
		return nil
	}
	parsed, err := ParseTaskStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Task is one unit of work in the plan.
type Task struct {
	ID          string     `json:"id" yaml:"id" validate:"required"`
	Description string     `json:"description" yaml:"description"`
	Priority    int        `json:"priority" yaml:"priority" validate:"gte=0"`
	Status      TaskStatus `json:"status" yaml:"status"`
	// Dependencies are ids of tasks that must be Complete first. Ids that do
	// not exist in the plan make the task permanently ineligible.
	Dependencies         []string   `json:"dependencies" yaml:"dependencies,omitempty"`
	VerificationCriteria []string   `json:"verificationCriteria" yaml:"verification_criteria,omitempty"`
	Blockers             []string   `json:"blockers" yaml:"blockers,omitempty"`
	EstimatedTokens      int        `json:"estimatedTokens" yaml:"estimated_tokens,omitempty" validate:"gte=0"`
	ActualTokensUsed     *int       `json:"actualTokensUsed,omitempty" yaml:"actual_tokens_used,omitempty" validate:"omitempty,gte=0"`
	CompletionNotes      *string    `json:"completionNotes,omitempty" yaml:"completion_notes,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty" yaml:"completed_at,omitempty"`
	RetryCount           int        `json:"retryCount" yaml:"retry_count,omitempty" validate:"gte=0"`
}

// clone returns a deep copy so callers never alias plan-owned slices.
func (t Task) clone() Task {
	out := t
	out.Dependencies = slices.Clone(t.Dependencies)
	out.VerificationCriteria = slices.Clone(t.VerificationCriteria)
	out.Blockers = slices.Clone(t.Blockers)
	if t.ActualTokensUsed != nil {
		v := *t.ActualTokensUsed
		out.ActualTokensUsed = &v
	}
	if t.CompletionNotes != nil {
		v := *t.CompletionNotes
		out.CompletionNotes = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// dependenciesMet reports whether every dependency id is in complete.
func (t Task) dependenciesMet(complete map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !complete[dep] {
			return false
		}
	}
	return true
}

// before orders tasks for selection: lower priority first, then id.
func before(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
