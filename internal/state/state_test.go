package state

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	s := New(config.Default(), "sess-1", t0)

	if s.CurrentPhase != phase.Discovery {
		t.Errorf("CurrentPhase = %q, want discovery", s.CurrentPhase)
	}
	if s.SessionCount != 1 || s.SessionID != "sess-1" {
		t.Errorf("session = %q/%d", s.SessionID, s.SessionCount)
	}
	if s.ContextBudget.TotalCapacity != 200000 {
		t.Errorf("TotalCapacity = %d", s.ContextBudget.TotalCapacity)
	}
	if s.CircuitBreaker.MaxConsecutiveFailures != 3 {
		t.Errorf("breaker threshold = %d", s.CircuitBreaker.MaxConsecutiveFailures)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestIterationAndSessionCounters(t *testing.T) {
	s := New(nil, "a", t0)

	s.BeginIteration(t0.Add(time.Minute))
	s.RecordIteration(0.5, 1000)
	s.BeginIteration(t0.Add(2 * time.Minute))
	s.RecordIteration(0.25, 500)
	s.RecordIteration(-1, -1)

	if s.IterationCount != 2 || s.SessionIterationCount != 2 {
		t.Fatalf("iterations = %d/%d", s.IterationCount, s.SessionIterationCount)
	}
	if s.TotalTokens != 1500 || s.ContextBudget.CurrentUsage != 1500 {
		t.Errorf("tokens = %d, usage = %d", s.TotalTokens, s.ContextBudget.CurrentUsage)
	}
	if !s.LastActivityAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("LastActivityAt = %v", s.LastActivityAt)
	}

	s.StartSession("b", t0.Add(3*time.Minute))
	if s.SessionIterationCount != 0 || s.SessionCostUSD != 0 || s.SessionTokens != 0 {
		t.Errorf("session counters not reset: %+v", s)
	}
	if s.ContextBudget.CurrentUsage != 0 {
		t.Errorf("context budget not reset")
	}
	if s.IterationCount != 2 || s.TotalCostUSD != 0.75 {
		t.Errorf("lifetime counters changed: %d %v", s.IterationCount, s.TotalCostUSD)
	}
	if s.SessionCount != 2 || s.SessionID != "b" {
		t.Errorf("session = %q/%d", s.SessionID, s.SessionCount)
	}
}

func TestTransitionTo(t *testing.T) {
	s := New(nil, "a", t0)
	s.RecordIteration(0, 5000)

	if err := s.TransitionTo(phase.Building, t0); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("skipping a phase: err = %v", err)
	}
	if err := s.TransitionTo(phase.Planning, t0); err != nil {
		t.Fatalf("TransitionTo(planning) = %v", err)
	}
	if s.ContextBudget.CurrentUsage != 0 {
		t.Error("transition must reset the context budget")
	}
	if s.TotalTokens != 5000 {
		t.Error("transition must not touch lifetime counters")
	}
}

func TestSignals(t *testing.T) {
	s := New(nil, "a", t0)

	if _, ok := s.Signal(phase.Discovery); ok {
		t.Fatal("unexpected signal on a fresh state")
	}
	s.SetSignal(PhaseComplete{For: phase.Discovery, Summary: "mapped the repo", RecordedAt: t0})

	sig, ok := s.Signal(phase.Discovery)
	if !ok || sig.Kind() != KindPhaseComplete {
		t.Fatalf("Signal() = %v, %v", sig, ok)
	}
	if _, ok := s.ConsumeSignal(phase.Discovery); !ok {
		t.Fatal("ConsumeSignal() found nothing")
	}
	if _, ok := s.Signal(phase.Discovery); ok {
		t.Error("signal still present after consumption")
	}

	if s.ValidationPassed() {
		t.Error("ValidationPassed() without a signal")
	}
	s.SetSignal(ValidationPassed{Commands: []string{"go test ./..."}, RecordedAt: t0})
	if !s.ValidationPassed() {
		t.Error("ValidationPassed() = false after a passing verification")
	}
}

func TestRunStateJSONRoundTrip(t *testing.T) {
	s := New(nil, "a", t0)
	s.SetSignal(PhaseComplete{For: phase.Discovery, Summary: "done", RecordedAt: t0})
	s.SetSignal(ValidationPassed{Commands: []string{"make test"}, ReportPath: "reports/1.json", RecordedAt: t0})
	s.Remember(Learning{Text: "tests live next to code"})
	s.Remember(Blocker{TaskID: "T2", Text: "needs credentials"})
	s.Remember(Decision{Text: "use sqlite", Rationale: "no server"})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"phase_complete"`) {
		t.Errorf("signal kind missing from %s", data)
	}

	var got RunState
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	sig, ok := got.Signal(phase.Validation)
	if !ok {
		t.Fatal("validation signal lost")
	}
	if vp, ok := sig.(ValidationPassed); !ok || vp.ReportPath != "reports/1.json" {
		t.Errorf("validation signal = %#v", sig)
	}

	mem := got.DrainMemory()
	if len(mem) != 3 {
		t.Fatalf("memory = %d entries", len(mem))
	}
	if mem[1].Render() != "- blocked on T2: needs credentials" {
		t.Errorf("Render() = %q", mem[1].Render())
	}
	if len(got.PendingMemory) != 0 {
		t.Error("DrainMemory() left entries behind")
	}
}

func TestUnknownKindsRejected(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		into any
	}{
		{"signal", `{"kind":"telepathy","phase":"discovery"}`, &SignalEnvelope{}},
		{"signal without kind", `{"phase":"discovery"}`, &SignalEnvelope{}},
		{"phase complete without phase", `{"kind":"phase_complete"}`, &SignalEnvelope{}},
		{"memory", `{"kind":"rumour","text":"x"}`, &MemoryEnvelope{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := json.Unmarshal([]byte(tt.doc), tt.into); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestValidateMisfiledSignal(t *testing.T) {
	s := New(nil, "a", t0)
	s.CompletionSignals["planning"] = SignalEnvelope{Signal: PhaseComplete{For: phase.Discovery}}
	if err := s.Validate(); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Validate() = %v, want invalid input", err)
	}
}

func TestClone(t *testing.T) {
	s := New(nil, "a", t0)
	s.SetSignal(PhaseComplete{For: phase.Discovery})
	s.CircuitBreaker.RecordFailure("boom")

	c := s.Clone()
	c.ConsumeSignal(phase.Discovery)
	*c.CircuitBreaker.LastFailureReason = "changed"

	if _, ok := s.Signal(phase.Discovery); !ok {
		t.Error("clone shares the signal map")
	}
	if *s.CircuitBreaker.LastFailureReason != "boom" {
		t.Error("clone shares the failure reason")
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == "" || a == b {
		t.Errorf("NewSessionID() = %q, %q", a, b)
	}
}
