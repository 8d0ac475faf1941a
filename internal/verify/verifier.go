// Package verify runs the backpressure commands (tests, linters, builds)
// that decide whether validation passed. Each command is classified as
// passed, failed, timed out or error, with its output bounded so reports
// stay small.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/util"
)

// Outcome classifies one command run.
type Outcome string

const (
	Passed   Outcome = "passed"
	Failed   Outcome = "failed"
	TimedOut Outcome = "timed_out"
	// Error means the command could not be started.
	Error Outcome = "error"
)

// Result is the persisted result of one command.
type Result struct {
	Command    string  `json:"command"`
	Outcome    Outcome `json:"outcome"`
	ExitCode   int     `json:"exitCode"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	DurationMS int64   `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

// Err returns nil for a passing result. A timed-out command yields a
// *errors.TimeoutError.
func (r Result) Err() error {
	switch r.Outcome {
	case Passed:
		return nil
	case TimedOut:
		return errors.NewTimeoutError(r.Command, time.Duration(r.DurationMS)*time.Millisecond)
	case Failed:
		return fmt.Errorf("%s: exit status %d", r.Command, r.ExitCode)
	default:
		return fmt.Errorf("%s: %s", r.Command, r.Error)
	}
}

// Report is the result of one verification run.
type Report struct {
	Dir        string    `json:"dir"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Results    []Result  `json:"results"`
}

// Passed reports whether at least one command ran and all of them passed.
func (r Report) Passed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Outcome != Passed {
			return false
		}
	}
	return true
}

// Commands returns the command lines in run order.
func (r Report) Commands() []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Command
	}
	return out
}

// Err joins the errors of the results that did not pass. A report without
// results is an error.
func (r Report) Err() error {
	if len(r.Results) == 0 {
		return errors.New("no verification commands ran")
	}
	var errs []error
	for _, res := range r.Results {
		if err := res.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Failures returns the results that did not pass.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome != Passed {
			out = append(out, res)
		}
	}
	return out
}

// Verifier runs commands through a CommandRunner.
type Verifier struct {
	runner         CommandRunner
	timeout        time.Duration
	maxOutputBytes int
	failFast       bool
	now            func() time.Time
	logger         *logging.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(v *Verifier) { v.runner = r }
}

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithMaxOutputBytes bounds the captured stdout and stderr of each command.
func WithMaxOutputBytes(n int) Option {
	return func(v *Verifier) { v.maxOutputBytes = n }
}

// WithFailFast stops at the first command that does not pass.
func WithFailFast(on bool) Option {
	return func(v *Verifier) { v.failFast = on }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New returns a Verifier that shells out by default.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		runner:         ExecRunner{},
		timeout:        5 * time.Minute,
		maxOutputBytes: 4000,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.OrNop(v.logger)
	return v
}

// Run runs one command and classifies it.
func (v *Verifier) Run(ctx context.Context, line, dir string) Result {
	raw, err := v.runner.Run(ctx, Command{Line: line, Dir: dir, Timeout: v.timeout})
	res := Result{
		Command:    line,
		ExitCode:   raw.ExitCode,
		Stdout:     util.TailBytes(raw.Stdout, v.maxOutputBytes),
		Stderr:     util.TailBytes(raw.Stderr, v.maxOutputBytes),
		DurationMS: raw.Duration.Milliseconds(),
	}
	switch {
	case err != nil:
		res.Outcome = Error
		res.Error = err.Error()
	case raw.TimedOut:
		res.Outcome = TimedOut
		res.Error = errors.NewTimeoutError(line, v.timeout).Error()
	case raw.ExitCode == 0:
		res.Outcome = Passed
	default:
		res.Outcome = Failed
	}

	v.logger.Info("verification command finished",
		"command", line,
		"outcome", string(res.Outcome),
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMS,
	)
	return res
}

// RunAll runs lines in order in dir and returns the report.
func (v *Verifier) RunAll(ctx context.Context, lines []string, dir string) Report {
	rep := Report{Dir: dir, StartedAt: v.now(), Results: make([]Result, 0, len(lines))}
	for _, line := range lines {
		if ctx.Err() != nil {
			break
		}
		res := v.Run(ctx, line, dir)
		rep.Results = append(rep.Results, res)
		if v.failFast && res.Outcome != Passed {
			break
		}
	}
	rep.FinishedAt = v.now()
	return rep
}
