package plan

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// Plan is the set of tasks for a project. It owns its tasks: accessors return
// copies and all changes go through the mutators below.
type Plan struct {
	Tasks        []Task    `json:"tasks" validate:"dive"`
	CreatedAt    time.Time `json:"createdAt" validate:"required"`
	LastModified time.Time `json:"lastModified" validate:"required"`
}

// Counts is a snapshot of task counts by status.
type Counts struct {
	Total      int `json:"total" yaml:"total"`
	Pending    int `json:"pending" yaml:"pending"`
	InProgress int `json:"inProgress" yaml:"in_progress"`
	Complete   int `json:"complete" yaml:"complete"`
	Blocked    int `json:"blocked" yaml:"blocked"`
}

// New returns an empty plan created at now.
func New(now time.Time) *Plan {
	return &Plan{Tasks: []Task{}, CreatedAt: now, LastModified: now}
}

// Validate checks invariants that struct tags cannot express: unique ids and
// known statuses.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if seen[t.ID] {
			return errors.NewValidationError("task ids must be unique").
				WithField(fmt.Sprintf("tasks[%d].id", i)).WithValue(t.ID).WithCause(errors.ErrDuplicateTask)
		}
		seen[t.ID] = true
		if !t.Status.Valid() {
			return errors.NewValidationError("unknown task status").
				WithField(fmt.Sprintf("tasks[%d].status", i)).WithValue(string(t.Status))
		}
	}
	return nil
}

// AddTask adds a copy of t. An empty status becomes pending.
func (p *Plan) AddTask(t Task, now time.Time) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.NewValidationError("task id must not be empty").WithField("id")
	}
	if _, ok := p.index(t.ID); ok {
		return fmt.Errorf("add %s: %w", t.ID, errors.ErrDuplicateTask)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return errors.NewValidationError("unknown task status").WithField("status").WithValue(string(t.Status))
	}
	p.Tasks = append(p.Tasks, t.clone())
	p.LastModified = now
	return nil
}

// Task returns a copy of the task with the given id.
func (p *Plan) Task(id string) (Task, bool) {
	i, ok := p.index(id)
	if !ok {
		return Task{}, false
	}
	return p.Tasks[i].clone(), true
}

// List returns copies of all tasks, optionally filtered by status, in
// selection order (priority, then id).
func (p *Plan) List(statuses ...TaskStatus) []Task {
	out := make([]Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, t.clone())
	}
	sortTasks(out)
	return out
}

// Start moves a pending task to in-progress. Starting a task that is
// already in progress is a no-op.
func (p *Plan) Start(id string, now time.Time) error {
	t, err := p.mutable(id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusPending:
		t.Status = StatusInProgress
		p.LastModified = now
		return nil
	case StatusInProgress:
		return nil
	default:
		return fmt.Errorf("start %s from %s: %w", id, t.Status, errors.ErrInvalidTransition)
	}
}

// Complete marks a pending or in-progress task complete.
func (p *Plan) Complete(id, notes string, tokensUsed int, now time.Time) error {
	t, err := p.mutable(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("complete %s from %s: %w", id, t.Status, errors.ErrInvalidTransition)
	}
	t.Status = StatusComplete
	at := now
	t.CompletedAt = &at
	if notes != "" {
		t.CompletionNotes = &notes
	}
	if tokensUsed > 0 {
		t.ActualTokensUsed = &tokensUsed
	}
	p.LastModified = now
	return nil
}

// Block marks a pending or in-progress task blocked and records reason.
func (p *Plan) Block(id, reason string, now time.Time) error {
	t, err := p.mutable(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("block %s from %s: %w", id, t.Status, errors.ErrInvalidTransition)
	}
	t.Status = StatusBlocked
	t.Blockers = append(t.Blockers, reason)
	p.LastModified = now
	return nil
}

// RecordRetry increments the retry count of a task.
func (p *Plan) RecordRetry(id string, now time.Time) error {
	t, err := p.mutable(id)
	if err != nil {
		return err
	}
	t.RetryCount++
	p.LastModified = now
	return nil
}

// NextTask returns the pending task to work on next: among pending tasks
// whose dependencies are all complete, the one with the lowest priority,
// ties broken by id. It returns false when no task is eligible, which is
// either an exhausted plan or one where every pending task waits on
// unfinished or missing dependencies; PendingCount tells them apart.
func (p *Plan) NextTask() (Task, bool) {
	complete := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Status == StatusComplete {
			complete[t.ID] = true
		}
	}

	var best *Task
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status != StatusPending || !t.dependenciesMet(complete) {
			continue
		}
		if best == nil || before(*t, *best) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return best.clone(), true
}

// Current returns the in-progress task, if any. When several are in
// progress (after an interrupted run) the selection order applies.
func (p *Plan) Current() (Task, bool) {
	var best *Task
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status != StatusInProgress {
			continue
		}
		if best == nil || before(*t, *best) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return best.clone(), true
}

// Counts returns task counts by status.
func (p *Plan) Counts() Counts {
	c := Counts{Total: len(p.Tasks)}
	for _, t := range p.Tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusComplete:
			c.Complete++
		case StatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// PendingCount returns the number of pending tasks.
func (p *Plan) PendingCount() int { return p.Counts().Pending }

// InProgressCount returns the number of in-progress tasks.
func (p *Plan) InProgressCount() int { return p.Counts().InProgress }

// CompletedCount returns the number of complete tasks.
func (p *Plan) CompletedCount() int { return p.Counts().Complete }

// BlockedCount returns the number of blocked tasks.
func (p *Plan) BlockedCount() int { return p.Counts().Blocked }

// PrioritiesAssigned reports whether the plan has at least one task and
// every task has a priority above zero.
func (p *Plan) PrioritiesAssigned() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if t.Priority <= 0 {
			return false
		}
	}
	return true
}

// Settled reports whether no task is pending or in progress.
func (p *Plan) Settled() bool {
	c := p.Counts()
	return c.Pending == 0 && c.InProgress == 0
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{CreatedAt: p.CreatedAt, LastModified: p.LastModified, Tasks: make([]Task, len(p.Tasks))}
	for i, t := range p.Tasks {
		out.Tasks[i] = t.clone()
	}
	return out
}

func (p *Plan) index(id string) (int, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (p *Plan) mutable(id string) (*Task, error) {
	i, ok := p.index(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errors.ErrTaskNotFound)
	}
	return &p.Tasks[i], nil
}

func sortTasks(tasks []Task) {
	slices.SortFunc(tasks, func(a, b Task) int {
		switch {
		case before(a, b):
			return -1
		case before(b, a):
			return 1
		}
		return 0
	})
}
