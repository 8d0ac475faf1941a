package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/breaker"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/permission"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/store"
	"github.com/Iron-Ham/cadence/internal/verify"
)

// executeCommand runs the root command with args and returns the captured
// output. Flags keep their values between Execute calls, so they are reset
// first.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// initProject runs init in a fresh directory and returns it.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if out, err := executeCommand(t, "", "init", "--dir", dir); err != nil {
		t.Fatalf("init failed: %v\nOutput: %s", err, out)
	}
	return dir
}

func loadState(t *testing.T, dir string) (*state.RunState, *plan.Plan) {
	t.Helper()
	rs, pl, err := store.NewOS(filepath.Join(dir, ".cadence")).Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return rs, pl
}

const taskList = `tasks:
  - id: T1
    description: scaffold the module
    priority: 1
  - id: T2
    description: add the parser
    priority: 2
    dependencies: [T1]
`

func writeTaskList(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tasks-in.yaml")
	if err := os.WriteFile(path, []byte(taskList), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// stubSession replaces the agent session for the duration of the test.
func stubSession(t *testing.T, fn agent.SessionFunc) {
	t.Helper()
	orig := newSession
	newSession = func(*project, *permission.Guard) (agent.Session, error) { return fn, nil }
	t.Cleanup(func() { newSession = orig })
}

type passingRunner struct{ lines []string }

func (r *passingRunner) Run(_ context.Context, cmd verify.Command) (verify.RawResult, error) {
	r.lines = append(r.lines, cmd.Line)
	return verify.RawResult{Duration: time.Millisecond}, nil
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "cadence" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "cadence")
	}

	expectedCmds := []string{
		"init", "status", "tasks", "plan", "run", "pause", "resume",
		"complete", "verify", "guard", "logs", "config", "stats", "reset",
	}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand(t, "", "init", "--dir", dir)
	if err != nil {
		t.Fatalf("init command failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, "cadence initialized") {
		t.Errorf("output missing confirmation: %s", out)
	}

	for _, name := range []string{store.StateFile, store.PlanFile, "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, ".cadence", name)); err != nil {
			t.Errorf("%s was not created: %v", name, err)
		}
	}
	rs, pl := loadState(t, dir)
	if rs.CurrentPhase != phase.Discovery {
		t.Errorf("phase = %s, want discovery", rs.CurrentPhase)
	}
	if len(pl.Tasks) != 0 {
		t.Errorf("new plan has %d tasks", len(pl.Tasks))
	}
}

func TestInitCommand_AlreadyInitialized(t *testing.T) {
	dir := initProject(t)

	_, err := executeCommand(t, "", "init", "--dir", dir)
	if !errors.Is(err, errors.ErrAlreadyInitialized) {
		t.Fatalf("second init error = %v, want ErrAlreadyInitialized", err)
	}
	if _, err := executeCommand(t, "", "init", "--dir", dir, "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestStatusCommand_NotInitialized(t *testing.T) {
	_, err := executeCommand(t, "", "status", "--dir", t.TempDir())
	if !errors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("status error = %v, want ErrNotInitialized", err)
	}
	if got := ExitCode(err); got != 1 {
		t.Errorf("ExitCode = %d, want 1", got)
	}
}

func TestStatusCommand(t *testing.T) {
	dir := initProject(t)
	out, err := executeCommand(t, "", "status", "--dir", dir)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"discovery", "Circuit breaker", "closed", "0 total"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestPlanImportAndTasks(t *testing.T) {
	dir := initProject(t)
	path := writeTaskList(t, dir)

	out, err := executeCommand(t, "", "plan", "import", path, "--dir", dir)
	if err != nil {
		t.Fatalf("plan import failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, "Imported 2 tasks") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = executeCommand(t, "", "tasks", "--dir", dir, "--format", "json")
	if err != nil {
		t.Fatalf("tasks failed: %v", err)
	}
	var got struct {
		Tasks []plan.Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("tasks output is not JSON: %v\n%s", err, out)
	}
	if len(got.Tasks) != 2 || got.Tasks[0].ID != "T1" || got.Tasks[1].ID != "T2" {
		t.Errorf("tasks = %+v", got.Tasks)
	}

	out, err = executeCommand(t, "", "tasks", "--dir", dir, "--status", "complete")
	if err != nil {
		t.Fatalf("tasks --status failed: %v", err)
	}
	if !strings.Contains(out, "No tasks.") {
		t.Errorf("expected no complete tasks, got:\n%s", out)
	}

	if _, err := executeCommand(t, "", "tasks", "--dir", dir, "--format", "xml"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown format error = %v, want ErrInvalidInput", err)
	}
}

func TestPlanImport_RefusesToReplace(t *testing.T) {
	dir := initProject(t)
	path := writeTaskList(t, dir)

	if _, err := executeCommand(t, "", "plan", "import", path, "--dir", dir); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand(t, "", "plan", "import", path, "--dir", dir); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("second import error = %v, want ErrInvalidInput", err)
	}
	if _, err := executeCommand(t, "", "plan", "import", path, "--dir", dir, "--replace"); err != nil {
		t.Errorf("import --replace failed: %v", err)
	}
}

func TestPlanImport_WarnsAboutUnknownDependencies(t *testing.T) {
	dir := initProject(t)
	path := filepath.Join(dir, "dangling.yaml")
	data := "tasks:\n  - id: A\n    priority: 1\n    dependencies: [missing]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand(t, "", "plan", "import", path, "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "depends on unknown task missing") {
		t.Errorf("missing dependency warning:\n%s", out)
	}
}

func TestPauseAndResume(t *testing.T) {
	dir := initProject(t)

	if _, err := executeCommand(t, "", "pause", "--dir", dir); err != nil {
		t.Fatal(err)
	}
	if rs, _ := loadState(t, dir); !rs.Paused {
		t.Error("state not paused after pause")
	}

	out, err := executeCommand(t, "", "pause", "--dir", dir)
	if err != nil || !strings.Contains(out, "already paused") {
		t.Errorf("second pause: err=%v out=%s", err, out)
	}

	if _, err := executeCommand(t, "", "resume", "--dir", dir); err != nil {
		t.Fatal(err)
	}
	if rs, _ := loadState(t, dir); rs.Paused {
		t.Error("state still paused after resume")
	}

	if _, err := executeCommand(t, "", "resume", "--dir", dir, "--reset-breaker", "--probation"); err == nil {
		t.Error("expected error for mutually exclusive flags")
	}
}

func TestResume_BreakerFlags(t *testing.T) {
	dir := initProject(t)
	st := store.NewOS(filepath.Join(dir, ".cadence"))

	rs, err := st.LoadRunState()
	if err != nil {
		t.Fatal(err)
	}
	rs.CircuitBreaker.State = breaker.Open
	rs.CircuitBreaker.FailureCount = 3
	rs.LastHaltReason = "consecutive_failures:3"
	if err := st.SaveRunState(rs); err != nil {
		t.Fatal(err)
	}

	if _, err := executeCommand(t, "", "resume", "--dir", dir, "--probation"); err != nil {
		t.Fatalf("resume --probation failed: %v", err)
	}
	rs, _ = loadState(t, dir)
	if rs.CircuitBreaker.State != breaker.HalfOpen || rs.CircuitBreaker.FailureCount != 0 {
		t.Errorf("breaker = %+v, want half_open with no failures", rs.CircuitBreaker)
	}
	if rs.LastHaltReason != "" {
		t.Errorf("LastHaltReason = %q, want cleared", rs.LastHaltReason)
	}

	_, err = executeCommand(t, "", "resume", "--dir", dir, "--probation")
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("probation on a half-open breaker: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := executeCommand(t, "", "resume", "--dir", dir, "--reset-breaker"); err != nil {
		t.Fatal(err)
	}
	if rs, _ := loadState(t, dir); rs.CircuitBreaker.State != breaker.Closed {
		t.Errorf("breaker state = %s, want closed", rs.CircuitBreaker.State)
	}
}

func TestCompleteCommand(t *testing.T) {
	dir := initProject(t)

	_, err := executeCommand(t, "", "complete", "planning", "--dir", dir)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("completing a later phase: err = %v, want ErrInvalidTransition", err)
	}

	_, err = executeCommand(t, "", "complete", "nonsense", "--dir", dir)
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("unknown phase: err = %v, want ErrInvalidInput", err)
	}

	out, err := executeCommand(t, "", "complete", "discovery", "-m", "requirements gathered", "--advance", "--dir", dir)
	if err != nil {
		t.Fatalf("complete --advance failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, "Advanced discovery -> planning") {
		t.Errorf("unexpected output: %s", out)
	}
	rs, _ := loadState(t, dir)
	if rs.CurrentPhase != phase.Planning {
		t.Errorf("phase = %s, want planning", rs.CurrentPhase)
	}
	if _, ok := rs.Signal(phase.Discovery); ok {
		t.Error("discovery signal should be consumed by the transition")
	}
}

func TestCompleteCommand_AdvanceBlockedByGate(t *testing.T) {
	dir := initProject(t)
	if _, err := executeCommand(t, "", "complete", "discovery", "--advance", "--dir", dir); err != nil {
		t.Fatal(err)
	}

	_, err := executeCommand(t, "", "complete", "planning", "--advance", "--dir", dir)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("advance with an empty plan: err = %v, want ErrInvalidTransition", err)
	}
	rs, _ := loadState(t, dir)
	if rs.CurrentPhase != phase.Planning {
		t.Errorf("phase = %s, want planning", rs.CurrentPhase)
	}
	if _, ok := rs.Signal(phase.Planning); !ok {
		t.Error("planning signal should be kept when the gate is closed")
	}
}

func TestRunCommand_CompletesRun(t *testing.T) {
	dir := initProject(t)
	path := writeTaskList(t, dir)
	if _, err := executeCommand(t, "", "plan", "import", path, "--dir", dir); err != nil {
		t.Fatal(err)
	}

	var phases []phase.Phase
	stubSession(t, func(ctx context.Context, req agent.Request, events chan<- agent.Event) (agent.Result, error) {
		phases = append(phases, req.Phase)
		res := agent.Result{CostUSD: 0.01, TokensUsed: 100}
		if req.Phase == phase.Building {
			res.TaskCompleted = true
			res.TaskID = req.TaskID
		} else {
			res.PhaseComplete = true
		}
		return res, nil
	})

	out, err := executeCommand(t, "", "run", "--dir", dir)
	if err != nil {
		t.Fatalf("run failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("summary missing completed status:\n%s", out)
	}

	want := []phase.Phase{phase.Discovery, phase.Planning, phase.Building, phase.Building, phase.Validation}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("iteration %d phase = %s, want %s", i+1, phases[i], want[i])
		}
	}

	rs, pl := loadState(t, dir)
	if c := pl.Counts(); c.Complete != 2 {
		t.Errorf("completed tasks = %d, want 2", c.Complete)
	}
	if !rs.ValidationPassed() {
		t.Error("validation signal not recorded")
	}
	if rs.IterationCount != 5 {
		t.Errorf("IterationCount = %d, want 5", rs.IterationCount)
	}
	if _, err := os.Stat(filepath.Join(dir, ".cadence", store.MetricsFile)); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}
}

func TestRunCommand_HaltsOnRepeatedFailures(t *testing.T) {
	dir := initProject(t)

	calls := 0
	stubSession(t, func(ctx context.Context, req agent.Request, events chan<- agent.Event) (agent.Result, error) {
		calls++
		return agent.Result{CostUSD: 0.01, Err: errors.New("agent crashed")}, nil
	})

	out, err := executeCommand(t, "", "run", "--dir", dir)
	if err == nil {
		t.Fatalf("expected run to fail\nOutput: %s", out)
	}
	if !strings.Contains(err.Error(), breaker.ReasonConsecutiveFailures) {
		t.Errorf("error = %v, want a consecutive failures halt", err)
	}
	if got := ExitCode(err); got != 1 {
		t.Errorf("ExitCode = %d, want 1", got)
	}
	if calls != 3 {
		t.Errorf("session called %d times, want 3", calls)
	}

	rs, _ := loadState(t, dir)
	if rs.CircuitBreaker.State != breaker.Open {
		t.Errorf("breaker = %s, want open", rs.CircuitBreaker.State)
	}
}

func TestRunCommand_Paused(t *testing.T) {
	dir := initProject(t)
	if _, err := executeCommand(t, "", "pause", "--dir", dir); err != nil {
		t.Fatal(err)
	}
	stubSession(t, func(ctx context.Context, req agent.Request, events chan<- agent.Event) (agent.Result, error) {
		t.Error("session must not run while paused")
		return agent.Result{}, nil
	})

	out, err := executeCommand(t, "", "run", "--dir", dir)
	if err != nil {
		t.Fatalf("paused run returned error: %v", err)
	}
	if !strings.Contains(out, "paused") {
		t.Errorf("summary missing paused status:\n%s", out)
	}
}

func TestRunCommand_RefusesSecondRunner(t *testing.T) {
	dir := initProject(t)
	lock := store.NewRunLock(filepath.Join(dir, ".cadence"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = lock.Unlock() }()

	stubSession(t, func(ctx context.Context, req agent.Request, events chan<- agent.Event) (agent.Result, error) {
		t.Error("session must not run while another runner holds the lock")
		return agent.Result{}, nil
	})

	_, err := executeCommand(t, "", "run", "--dir", dir)
	if !errors.Is(err, errors.ErrRunInProgress) {
		t.Fatalf("error = %v, want ErrRunInProgress", err)
	}
}

func TestStateCommands_RefuseWhileRunning(t *testing.T) {
	dir := initProject(t)
	path := writeTaskList(t, dir)
	lock := store.NewRunLock(filepath.Join(dir, ".cadence"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = lock.Unlock() }()

	tests := [][]string{
		{"plan", "import", path, "--dir", dir, "--replace"},
		{"resume", "--dir", dir, "--reset-breaker"},
		{"reset", "--dir", dir},
	}
	for _, args := range tests {
		t.Run(strings.Join(args[:2], " "), func(t *testing.T) {
			if _, err := executeCommand(t, "", args...); !errors.Is(err, errors.ErrRunInProgress) {
				t.Fatalf("error = %v, want ErrRunInProgress", err)
			}
		})
	}

	rs, pl := loadState(t, dir)
	if len(pl.Tasks) != 0 {
		t.Errorf("plan changed while a run held the lock: %d tasks", len(pl.Tasks))
	}
	if rs.CurrentPhase != phase.Discovery {
		t.Errorf("phase = %s, want discovery", rs.CurrentPhase)
	}
}

func TestGuardCommand(t *testing.T) {
	dir := initProject(t)

	if _, err := executeCommand(t, `{"tool_name":"Read","tool_input":{"file_path":"go.mod"}}`, "guard", "--dir", dir); err != nil {
		t.Errorf("Read in discovery should be allowed: %v", err)
	}

	out, err := executeCommand(t, `{"tool_name":"Bash","tool_input":{"command":"go test ./..."}}`, "guard", "--dir", dir)
	if err == nil {
		t.Fatal("Bash in discovery should be denied")
	}
	if got := ExitCode(err); got != 2 {
		t.Errorf("ExitCode = %d, want 2", got)
	}
	if !Reported(err) {
		t.Error("denial should be reported on stderr already")
	}
	if !strings.Contains(out, "not available in the discovery phase") {
		t.Errorf("stderr missing reason: %s", out)
	}

	if _, err := executeCommand(t, "not json", "guard", "--dir", dir); ExitCode(err) != 2 {
		t.Errorf("malformed payload: ExitCode = %d, want 2", ExitCode(err))
	}
	if _, err := executeCommand(t, `{"tool_name":"Read"}`, "guard", "--dir", t.TempDir()); ExitCode(err) != 2 {
		t.Errorf("uninitialized project: ExitCode = %d, want 2", ExitCode(err))
	}
}

func TestVerifyCommand(t *testing.T) {
	dir := initProject(t)

	if _, err := executeCommand(t, "", "verify", "--dir", dir); err == nil {
		t.Error("verify without commands should fail")
	}

	if _, err := executeCommand(t, "", "config", "set", "verification.commands", "go vet ./...,go test ./...", "--dir", dir); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	runner := &passingRunner{}
	orig := newVerifier
	newVerifier = func(p *project) *verify.Verifier { return verify.New(verify.WithRunner(runner)) }
	t.Cleanup(func() { newVerifier = orig })

	out, err := executeCommand(t, "", "verify", "--dir", dir)
	if err != nil {
		t.Fatalf("verify failed: %v\nOutput: %s", err, out)
	}
	if len(runner.lines) != 2 || runner.lines[0] != "go vet ./..." {
		t.Errorf("ran %v", runner.lines)
	}
	if !strings.Contains(out, "passed") || !strings.Contains(out, "Report:") {
		t.Errorf("unexpected output:\n%s", out)
	}

	rs, _ := loadState(t, dir)
	if rs.ValidationPassed() {
		t.Error("a pass outside validation must not record the signal")
	}
}

type timingOutRunner struct{}

func (timingOutRunner) Run(_ context.Context, cmd verify.Command) (verify.RawResult, error) {
	if cmd.Line == "go test ./..." {
		return verify.RawResult{ExitCode: -1, TimedOut: true, Duration: cmd.Timeout}, nil
	}
	return verify.RawResult{Duration: time.Millisecond}, nil
}

func TestVerifyCommand_TimeoutFails(t *testing.T) {
	dir := initProject(t)
	if _, err := executeCommand(t, "", "config", "set", "verification.commands", "go vet ./...,go test ./...", "--dir", dir); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	orig := newVerifier
	newVerifier = func(p *project) *verify.Verifier {
		return verify.New(verify.WithRunner(timingOutRunner{}), verify.WithTimeout(time.Minute))
	}
	t.Cleanup(func() { newVerifier = orig })

	out, err := executeCommand(t, "", "verify", "--dir", dir)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 commands did not pass") {
		t.Errorf("error = %q", err.Error())
	}
	if !strings.Contains(out, "timed_out") || !strings.Contains(out, "timeout error: go test ./...") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPrintError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		label   string
		logHint bool
	}{
		{"user facing", fmt.Errorf("load: %w", errors.ErrNotInitialized), "Error:", false},
		{"timeout", errors.NewTimeoutError("go test ./...", time.Minute), "Warning:", false},
		{"intervention", errors.NewInterventionError("cost limit reached"), "Action required:", false},
		{"unexpected", errors.New("boom"), "Error:", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			PrintError(&buf, tt.err)
			out := buf.String()
			if !strings.HasPrefix(out, tt.label+" ") {
				t.Errorf("output = %q, want label %q", out, tt.label)
			}
			if got := strings.Contains(out, "cadence logs"); got != tt.logHint {
				t.Errorf("log hint = %v, want %v (%q)", got, tt.logHint, out)
			}
		})
	}

	var buf bytes.Buffer
	PrintError(&buf, &exitError{code: 2, err: errors.New("denied"), silent: true})
	if buf.Len() != 0 {
		t.Errorf("reported error printed again: %q", buf.String())
	}
}

func TestConfigCommands(t *testing.T) {
	dir := initProject(t)

	if _, err := executeCommand(t, "", "config", "set", "cost.max_total_usd", "40", "--dir", dir); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := executeCommand(t, "", "config", "show", "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "max_total_usd: 40") {
		t.Errorf("config show missing updated value:\n%s", out)
	}

	if _, err := executeCommand(t, "", "config", "set", "no.such_key", "1", "--dir", dir); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown key error = %v, want ErrInvalidInput", err)
	}

	t.Setenv("CADENCE_COST_MAX_TOTAL_USD", "12")
	out, err = executeCommand(t, "", "config", "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "max_total_usd: 12") {
		t.Errorf("environment should override the file:\n%s", out)
	}
}

func TestResetCommand(t *testing.T) {
	dir := initProject(t)
	path := writeTaskList(t, dir)
	if _, err := executeCommand(t, "", "plan", "import", path, "--dir", dir); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "", "reset", "--keep-plan", "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "removed "+store.StateFile) {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".cadence", store.PlanFile)); err != nil {
		t.Errorf("plan should be kept: %v", err)
	}

	if _, err := executeCommand(t, "", "status", "--dir", dir); !errors.Is(err, errors.ErrNotInitialized) {
		t.Errorf("status after reset: err = %v, want ErrNotInitialized", err)
	}
}

func TestStatsCommand_JSON(t *testing.T) {
	dir := initProject(t)
	out, err := executeCommand(t, "", "stats", "--json", "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	var got statsReport
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if got.Phase != "discovery" || got.Sessions != 1 || got.Cost.TotalLimit != 100 {
		t.Errorf("stats = %+v", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/usr/local/bin/cadence", "/usr/local/bin/cadence"},
		{"/tmp/my project", "'/tmp/my project'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderLogLine(t *testing.T) {
	line := `{"time":"2026-01-02T10:00:00Z","level":"WARN","msg":"recovery applied","component":"runner","action":"skip_task","task_id":"T1"}`

	tests := []struct {
		name   string
		filter logFilter
		want   bool
	}{
		{"no filter", logFilter{minLevel: -1}, true},
		{"level below", logFilter{minLevel: levelPriority("ERROR")}, false},
		{"level at", logFilter{minLevel: levelPriority("WARN")}, true},
		{"grep matches extra field", logFilter{minLevel: -1, grep: mustRegexp(t, "skip_task")}, true},
		{"grep misses", logFilter{minLevel: -1, grep: mustRegexp(t, "handoff")}, false},
		{"since after entry", logFilter{minLevel: -1, since: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := renderLogLine(line, tt.filter)
			if ok != tt.want {
				t.Fatalf("renderLogLine ok = %v, want %v", ok, tt.want)
			}
			if ok && (!strings.Contains(out, "recovery applied") || !strings.Contains(out, "action=")) {
				t.Errorf("rendered line = %q", out)
			}
		})
	}

	if out, ok := renderLogLine("plain text", logFilter{minLevel: -1}); !ok || out != "plain text" {
		t.Errorf("non-JSON line = %q, %v", out, ok)
	}
}

func mustRegexp(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.Fatal(err)
	}
	return re
}
