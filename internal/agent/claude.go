package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/permission"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/util"
)

const (
	// maxLineBytes bounds a single stream-json line.
	maxLineBytes = 2 << 20
	// askUserTool is the tool the CLI uses to ask the operator a question.
	askUserTool = "AskUserQuestion"
)

// Checker decides whether a tool call is allowed. *permission.Guard
// implements it.
type Checker interface {
	Check(ctx context.Context, req permission.Request) (permission.Decision, error)
}

// process is a started agent subprocess.
type process interface {
	Stdout() io.Reader
	Stderr() string
	Wait() error
	Kill()
}

// starter starts the agent binary.
type starter func(ctx context.Context, name string, args []string, dir string) (process, error)

// ClaudeSession runs one iteration as a non-interactive Claude CLI
// invocation and reads its stream-json output.
type ClaudeSession struct {
	command     string
	model       string
	extraArgs   []string
	timeout     time.Duration
	hookCommand string
	guard       Checker
	logger      *logging.Logger
	now         func() time.Time
	start       starter
}

// ClaudeOption configures a ClaudeSession.
type ClaudeOption func(*ClaudeSession)

// WithGuard checks every tool call the agent makes. Denied calls are
// reported as denied tool_start events and counted in Result.Denials.
func WithGuard(g Checker) ClaudeOption {
	return func(s *ClaudeSession) { s.guard = g }
}

// WithHookCommand installs command as a PreToolUse hook so the CLI itself
// blocks denied calls before they run.
func WithHookCommand(command string) ClaudeOption {
	return func(s *ClaudeSession) { s.hookCommand = command }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *logging.Logger) ClaudeOption {
	return func(s *ClaudeSession) { s.logger = l }
}

// WithSessionClock replaces time.Now for event timestamps.
func WithSessionClock(now func() time.Time) ClaudeOption {
	return func(s *ClaudeSession) { s.now = now }
}

func withStarter(st starter) ClaudeOption {
	return func(s *ClaudeSession) { s.start = st }
}

// NewClaudeSession returns a session configured from cfg.
func NewClaudeSession(cfg config.AgentConfig, opts ...ClaudeOption) *ClaudeSession {
	s := &ClaudeSession{
		command:   cfg.Command,
		model:     cfg.Model,
		extraArgs: append([]string(nil), cfg.ExtraArgs...),
		timeout:   time.Duration(cfg.TimeoutSeconds()) * time.Second,
		now:       time.Now,
		start:     startExec,
	}
	if strings.TrimSpace(s.command) == "" {
		s.command = "claude"
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With("component", "agent")
	return s
}

// Args returns the CLI arguments for req.
func (s *ClaudeSession) Args(req Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if s.hookCommand != "" {
		args = append(args, "--settings", hookSettings(s.hookCommand))
	}
	args = append(args, s.extraArgs...)
	return append(args, "--", req.Prompt)
}

// Execute runs req and blocks until the CLI exits.
func (s *ClaudeSession) Execute(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.NewValidationError("prompt is required").WithField("prompt")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("starting agent session",
		"phase", string(req.Phase),
		"session_id", req.SessionID,
		"task_id", req.TaskID,
		"max_turns", req.MaxTurns,
	)
	proc, err := s.start(ctx, s.command, s.Args(req), req.WorkDir)
	if err != nil {
		return Result{}, fmt.Errorf("start %s: %w", s.command, err)
	}

	res, readErr := s.decode(ctx, proc.Stdout(), req.Phase, events)
	if readErr != nil {
		proc.Kill()
	}
	waitErr := proc.Wait()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = errors.NewTimeoutError("agent session", s.timeout)
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	case readErr != nil:
		res.Err = fmt.Errorf("read agent output: %w", readErr)
	case waitErr != nil && res.Err == nil:
		msg := util.FirstLine(strings.TrimSpace(proc.Stderr()))
		res.Err = fmt.Errorf("%w: %s exited: %v %s", errors.ErrIterationFailure, s.command, waitErr, msg)
	}

	s.logger.Info("agent session finished",
		"phase", string(req.Phase),
		"cost_usd", res.CostUSD,
		"tokens", res.TokensUsed,
		"task_completed", res.TaskCompleted,
		"task_id", res.TaskID,
		"denials", res.Denials,
		"failed", res.Err != nil,
	)
	return res, nil
}

// decode consumes a stream-json transcript.
func (s *ClaudeSession) decode(ctx context.Context, r io.Reader, p phase.Phase, events chan<- Event) (Result, error) {
	var (
		res       Result
		text      strings.Builder
		final     string
		sawResult bool
		lastUsage *streamUsage
		pending   = make(map[string]string)
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := parseStreamLine(line)
		if err != nil {
			s.logger.Debug("skipping agent output", "line", util.TruncateString(string(line), 200))
			continue
		}

		switch msg.Type {
		case "assistant":
			if msg.Message == nil {
				continue
			}
			if msg.Message.Usage != nil {
				lastUsage = msg.Message.Usage
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					if strings.TrimSpace(block.Text) == "" {
						continue
					}
					text.WriteString(block.Text)
					text.WriteByte('\n')
					emit(ctx, events, Event{Kind: EventText, At: s.now(), Text: block.Text})
				case "tool_use":
					pending[block.ID] = block.Name
					ev := s.toolStart(ctx, p, block)
					if ev.Denied {
						res.Denials++
					}
					emit(ctx, events, ev)
					if block.Name == askUserTool {
						emit(ctx, events, Event{Kind: EventNeedsInput, At: s.now(), Tool: block.Name, Input: ev.Input})
					}
				}
			}
		case "user":
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				if block.Type != "tool_result" {
					continue
				}
				name := pending[block.ToolUseID]
				delete(pending, block.ToolUseID)
				emit(ctx, events, Event{Kind: EventToolEnd, At: s.now(), Tool: name, Failed: block.IsError})
			}
		case "result":
			sawResult = true
			final = msg.Result
			res.CostUSD = msg.cost()
			if msg.Usage != nil {
				res.TokensUsed = msg.Usage.total()
			}
			if msg.IsError {
				res.Err = fmt.Errorf("%w: %s", errors.ErrIterationFailure, strings.TrimSpace(msg.Subtype+" "+util.FirstLine(msg.Result)))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return res, err
	}

	if res.TokensUsed == 0 {
		res.TokensUsed = lastUsage.total()
	}
	transcript := text.String()
	if transcript == "" {
		transcript = final
	}
	ParseMarkers(transcript).Apply(&res)
	if !sawResult && res.Err == nil {
		res.Err = fmt.Errorf("%w: session ended without a result", errors.ErrIterationFailure)
	}
	return res, nil
}

func (s *ClaudeSession) toolStart(ctx context.Context, p phase.Phase, block contentBlock) Event {
	ev := Event{Kind: EventToolStart, At: s.now(), Tool: block.Name, Input: toolInput(block.Name, block.Input)}
	if s.guard == nil {
		return ev
	}
	d, err := s.guard.Check(ctx, permission.Request{Phase: p, Tool: block.Name, Command: ev.Input})
	switch {
	case err != nil:
		ev.Denied = true
		ev.Reason = fmt.Sprintf("permission check failed: %v", err)
	case !d.Allowed:
		ev.Denied = true
		ev.Reason = d.Reason
	}
	return ev
}

// hookSettings renders the --settings document that installs command as a
// PreToolUse hook for every tool.
func hookSettings(command string) string {
	doc := map[string]any{
		"hooks": map[string]any{
			"PreToolUse": []any{
				map[string]any{
					"matcher": "*",
					"hooks": []any{
						map[string]any{"type": "command", "command": command},
					},
				},
			},
		},
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	mu     sync.Mutex
	stderr bytes.Buffer
}

func startExec(ctx context.Context, name string, args []string, dir string) (process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	p := &execProcess{cmd: cmd}
	cmd.Stderr = lockedWriter{p}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p.stdout = stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return util.TailBytes(p.stderr.String(), 2000)
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

type lockedWriter struct{ p *execProcess }

func (w lockedWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.stderr.Write(b)
}
