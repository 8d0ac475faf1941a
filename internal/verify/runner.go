package verify

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// Command is one backpressure command.
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration
}

// RawResult is what a CommandRunner observed.
type RawResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// CommandRunner runs a shell command. An error means the command could not
// be run at all; a nonzero exit is reported in RawResult.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (RawResult, error)
}

// ExecRunner runs commands with sh -c.
type ExecRunner struct {
	// Shell defaults to "sh".
	Shell string
}

// Run executes cmd.Line and waits for it, honouring cmd.Timeout.
func (r ExecRunner) Run(ctx context.Context, cmd Command) (RawResult, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Line)
	c.Dir = cmd.Dir
	// Grandchildren may hold the pipes open after the shell is killed.
	c.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := RawResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
