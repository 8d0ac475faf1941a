package recovery

import (
	"testing"
	"time"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDetermine(t *testing.T) {
	cfg := FromConfig(config.Default().Recovery)

	tests := []struct {
		name       string
		cost       float64
		stagnation int
		failures   int
		want       Action
	}{
		{"healthy", 1, 0, 1, Retry},
		{"failure ceiling", 1, 0, 2, SkipTask},
		{"stagnation ceiling", 1, 4, 0, Handoff},
		{"stagnation beats failures", 1, 4, 2, Handoff},
		{"cost beats everything", 100, 4, 2, ManualIntervention},
		{"cost just under", 99.99, 0, 0, Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := state.New(nil, "s", t0)
			rs.TotalCostUSD = tt.cost
			rs.CircuitBreaker.StagnationCount = tt.stagnation
			rs.CircuitBreaker.FailureCount = tt.failures
			if got := Determine(rs, "boom", cfg); got != tt.want {
				t.Errorf("Determine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetermine_ZeroCeilingsDisabled(t *testing.T) {
	rs := state.New(nil, "s", t0)
	rs.TotalCostUSD = 1e6
	rs.CircuitBreaker.StagnationCount = 99
	rs.CircuitBreaker.FailureCount = 99
	if got := Determine(rs, "", Config{}); got != Retry {
		t.Errorf("Determine() = %q, want retry", got)
	}
}

func fixture(t *testing.T) (*plan.Plan, *state.RunState) {
	t.Helper()
	p := plan.New(t0)
	for _, task := range []plan.Task{{ID: "A", Priority: 1}, {ID: "B", Priority: 2}} {
		if err := p.AddTask(task, t0); err != nil {
			t.Fatal(err)
		}
	}
	return p, state.New(nil, "s", t0)
}

func TestApply_SkipTask(t *testing.T) {
	p, rs := fixture(t)
	if err := p.Start("A", t0); err != nil {
		t.Fatal(err)
	}

	out := Apply(SkipTask, Target{Plan: p, State: rs, TaskID: "A", Reason: "tests keep failing"})
	if !out.OK || out.TaskID != "A" {
		t.Fatalf("Apply() = %+v", out)
	}
	task, _ := p.Task("A")
	if task.Status != plan.StatusBlocked || len(task.Blockers) != 1 {
		t.Errorf("task A = %+v", task)
	}
	if len(rs.PendingMemory) != 1 {
		t.Errorf("skip should queue a blocker note, got %d", len(rs.PendingMemory))
	}
	next, _ := p.NextTask()
	if next.ID != "B" {
		t.Errorf("NextTask() = %q after skip, want B", next.ID)
	}
}

func TestApply_SkipTaskDefaultsToNext(t *testing.T) {
	p, rs := fixture(t)
	out := Apply(SkipTask, Target{Plan: p, State: rs})
	if !out.OK || out.TaskID != "A" {
		t.Errorf("Apply() = %+v, want A blocked", out)
	}
}

func TestApply_Others(t *testing.T) {
	p, rs := fixture(t)
	rs.CircuitBreaker.RecordFailure("x")
	rs.CircuitBreaker.RecordFailure("y")

	if out := Apply(Retry, Target{Plan: p, State: rs}); !out.OK || out.Err != nil {
		t.Errorf("Retry = %+v", out)
	}
	if rs.CircuitBreaker.FailureCount != 2 {
		t.Error("Retry must not mutate state")
	}

	if out := Apply(ResetCircuitBreaker, Target{Plan: p, State: rs}); !out.OK {
		t.Errorf("ResetCircuitBreaker = %+v", out)
	}
	if rs.CircuitBreaker.FailureCount != 0 || rs.CircuitBreaker.StagnationCount != 0 {
		t.Errorf("breaker not reset: %+v", rs.CircuitBreaker)
	}

	out := Apply(ManualIntervention, Target{Plan: p, State: rs, Reason: "cost ceiling"})
	if out.OK || !errors.Is(out.Err, errors.ErrManualIntervention) {
		t.Errorf("ManualIntervention = %+v", out)
	}

	called := false
	out = Apply(Handoff, Target{Plan: p, State: rs, Handoff: func() error { called = true; return nil }})
	if !out.OK || !called {
		t.Errorf("Handoff = %+v, called = %v", out, called)
	}
	if out := Apply(Handoff, Target{Plan: p, State: rs}); out.OK {
		t.Error("Handoff without a procedure must fail")
	}
}
