package phase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Iron-Ham/cadence/internal/plan"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func buildPlan(t *testing.T, tasks ...plan.Task) *plan.Plan {
	t.Helper()
	p := plan.New(now)
	for _, task := range tasks {
		if err := p.AddTask(task, now); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func TestNext(t *testing.T) {
	want := map[Phase]Phase{
		Discovery:  Planning,
		Planning:   Building,
		Building:   Validation,
		Validation: Terminal,
		Terminal:   Terminal,
	}
	for from, to := range want {
		if got := from.Next(); got != to {
			t.Errorf("%s.Next() = %s, want %s", from, got, to)
		}
	}
	if Building.Index() != 3 || Terminal.Index() != 0 {
		t.Errorf("Index() mismatch: building=%d terminal=%d", Building.Index(), Terminal.Index())
	}
}

func TestPhaseJSON(t *testing.T) {
	var p Phase
	if err := json.Unmarshal([]byte(`"building"`), &p); err != nil || p != Building {
		t.Fatalf("Unmarshal building = %v, %v", p, err)
	}
	for _, bad := range []string{`"terminal"`, `"deploy"`, `3`} {
		if err := json.Unmarshal([]byte(bad), &p); err == nil {
			t.Errorf("Unmarshal(%s) should fail", bad)
		}
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		from     Phase
		in       Inputs
		eligible bool
	}{
		{"discovery always", Discovery, Inputs{}, true},
		{"planning without tasks", Planning, Inputs{Plan: buildPlan(t)}, false},
		{"planning with unset priority", Planning, Inputs{Plan: buildPlan(t, plan.Task{ID: "a", Priority: 1}, plan.Task{ID: "b"})}, false},
		{"planning with priorities", Planning, Inputs{Plan: buildPlan(t, plan.Task{ID: "a", Priority: 1})}, true},
		{"building with pending", Building, Inputs{Plan: buildPlan(t, plan.Task{ID: "a", Priority: 1})}, false},
		{"building with in progress", Building, Inputs{Plan: buildPlan(t, plan.Task{ID: "a", Priority: 1, Status: plan.StatusInProgress})}, false},
		{"building settled", Building, Inputs{Plan: buildPlan(t,
			plan.Task{ID: "a", Priority: 1, Status: plan.StatusComplete},
			plan.Task{ID: "b", Priority: 1, Status: plan.StatusBlocked},
		)}, true},
		{"building without plan", Building, Inputs{}, false},
		{"validation without signal", Validation, Inputs{}, false},
		{"validation with signal", Validation, Inputs{ValidationPassed: true}, true},
		{"terminal", Terminal, Inputs{ValidationPassed: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.from, tt.in)
			if d.Eligible != tt.eligible {
				t.Fatalf("Eligible = %v, want %v (reason %q)", d.Eligible, tt.eligible, d.Reason)
			}
			if !d.Eligible && d.Reason == "" {
				t.Error("ineligible decision needs a reason")
			}
			if d.To != tt.from.Next() {
				t.Errorf("To = %s, want %s", d.To, tt.from.Next())
			}
		})
	}
}

func TestBuildingGateOpensAfterLastTaskSettles(t *testing.T) {
	p := buildPlan(t,
		plan.Task{ID: "a", Priority: 1, Status: plan.StatusComplete},
		plan.Task{ID: "b", Priority: 2, Status: plan.StatusInProgress},
	)
	if Evaluate(Building, Inputs{Plan: p}).Eligible {
		t.Fatal("gate open while b is in progress")
	}
	if err := p.Complete("b", "", 0, now); err != nil {
		t.Fatal(err)
	}
	if !Evaluate(Building, Inputs{Plan: p}).Eligible {
		t.Error("gate should open once b is complete")
	}
}

func TestProfiles(t *testing.T) {
	ps := DefaultProfiles()

	building := ps.For(Building)
	for _, other := range []Phase{Discovery, Planning, Validation} {
		if ps.For(other).MaxTurns >= building.MaxTurns {
			t.Errorf("%s turn budget should be below building", other)
		}
	}
	if building.Allows(ToolAskUserQuestion) {
		t.Error("building must not allow interactive questions")
	}
	if !building.Allows(ToolBash) {
		t.Error("building needs Bash")
	}
	if !ps.For(Discovery).Interactive || !ps.For(Validation).Interactive {
		t.Error("discovery and validation are interactive")
	}
	if ps.For(Validation).MaxTurns >= ps.For(Discovery).MaxTurns {
		t.Error("validation has fewer turns than discovery")
	}
	if ps.For(Terminal).Allows(ToolRead) {
		t.Error("unknown phase should allow nothing")
	}
}

func TestWithMaxTurns(t *testing.T) {
	ps := DefaultProfiles()
	custom := ps.WithMaxTurns(map[Phase]int{Building: 250, Planning: 0})

	if custom.For(Building).MaxTurns != 250 {
		t.Errorf("Building turns = %d, want 250", custom.For(Building).MaxTurns)
	}
	if custom.For(Planning).MaxTurns != ps.For(Planning).MaxTurns {
		t.Error("zero override should keep the built-in budget")
	}
	if ps.For(Building).MaxTurns != 100 {
		t.Error("WithMaxTurns modified the receiver")
	}
}
