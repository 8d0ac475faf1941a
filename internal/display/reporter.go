// Package display renders loop progress for `cadence run`.
//
// A Reporter owns one goroutine that serializes all terminal writes. Loop
// events arrive from the event bus and agent events from a channel; both are
// turned into lines. On a terminal the last line is a spinner status line
// redrawn in place; elsewhere only the permanent lines are written.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/util"
)

const defaultWidth = 100

type update struct {
	line   string
	status string
}

// Reporter writes progress lines to an output.
type Reporter struct {
	out     io.Writer
	tty     bool
	width   int
	spinner spinner.Spinner
	verbose bool

	updates chan update
	agentCh chan agent.Event
	subID   string
	bus     *event.Bus

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithTTY overrides terminal detection.
func WithTTY(tty bool) Option {
	return func(r *Reporter) { r.tty = tty }
}

// WithWidth overrides the detected terminal width.
func WithWidth(w int) Option {
	return func(r *Reporter) { r.width = w }
}

// WithVerbose also prints agent text output.
func WithVerbose(v bool) Option {
	return func(r *Reporter) { r.verbose = v }
}

// New returns a Reporter writing to out. Terminal features are enabled when
// out is a terminal.
func New(out io.Writer, opts ...Option) *Reporter {
	r := &Reporter{
		out:     out,
		width:   defaultWidth,
		spinner: spinner.Dot,
		updates: make(chan update, 64),
		agentCh: make(chan agent.Event, 64),
		done:    make(chan struct{}),
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			r.width = w
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Attach subscribes the reporter to loop events on bus.
func (r *Reporter) Attach(bus *event.Bus) {
	r.bus = bus
	r.subID = bus.SubscribeAll(r.observe)
}

// AgentEvents returns the channel agent sessions stream into.
func (r *Reporter) AgentEvents() chan<- agent.Event {
	return r.agentCh
}

// Println writes a permanent line.
func (r *Reporter) Println(format string, args ...any) {
	r.send(update{line: fmt.Sprintf(format, args...)})
}

// Close detaches from the bus, flushes pending lines and stops the
// goroutine. It is safe to call more than once.
func (r *Reporter) Close() {
	if r.bus != nil {
		r.bus.Unsubscribe(r.subID)
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.updates)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Reporter) send(u update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.updates <- u
	}
}

func (r *Reporter) observe(e event.Event) {
	line, status := FormatEvent(e)
	if line == "" && status == "" {
		return
	}
	r.send(update{line: line, status: status})
}

func (r *Reporter) loop() {
	defer close(r.done)

	var tick <-chan time.Time
	if r.tty {
		t := time.NewTicker(r.spinner.FPS)
		defer t.Stop()
		tick = t.C
	}

	status := ""
	frame := 0
	for {
		select {
		case u, ok := <-r.updates:
			if !ok {
				r.drainAgent(&status)
				r.clearStatus()
				return
			}
			r.apply(u, &status, frame)
		case ev := <-r.agentCh:
			if line, ok := FormatAgentEvent(ev, r.verbose); ok {
				r.apply(update{line: line}, &status, frame)
			}
		case <-tick:
			frame = (frame + 1) % len(r.spinner.Frames)
			r.drawStatus(status, frame)
		}
	}
}

func (r *Reporter) drainAgent(status *string) {
	for {
		select {
		case ev := <-r.agentCh:
			if line, ok := FormatAgentEvent(ev, r.verbose); ok {
				r.apply(update{line: line}, status, 0)
			}
		default:
			return
		}
	}
}

func (r *Reporter) apply(u update, status *string, frame int) {
	if u.status != "" {
		*status = u.status
	}
	if u.line != "" {
		r.clearStatus()
		fmt.Fprintln(r.out, r.fit(u.line))
	}
	r.drawStatus(*status, frame)
}

func (r *Reporter) clearStatus() {
	if r.tty {
		fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine)
	}
}

func (r *Reporter) drawStatus(status string, frame int) {
	if !r.tty || status == "" {
		return
	}
	line := Info.Render(r.spinner.Frames[frame]) + " " + status
	fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine+r.fit(line))
}

func (r *Reporter) fit(s string) string {
	if !r.tty {
		return ansi.Strip(s)
	}
	return util.TruncateANSI(s, r.width-1)
}

// FormatEvent renders a loop event as a permanent line and a status line.
// Either may be empty.
func FormatEvent(e event.Event) (line, status string) {
	switch ev := e.(type) {
	case event.IterationStarted:
		status = fmt.Sprintf("iteration %d · %s", ev.Iteration, ev.Phase)
		if ev.TaskID != "" {
			status += " · " + ev.TaskID
		}
		return "", status
	case event.IterationCompleted:
		mark := Success.Render("✓")
		if !ev.Success {
			mark = Error.Render("✗")
		}
		line = fmt.Sprintf("%s iteration %d  $%.4f  %d tokens  context %.0f%%",
			mark, ev.Iteration, ev.CostUSD, ev.Tokens, ev.ContextUsagePct)
		if ev.TaskCompleted != "" {
			line += "  " + Success.Render("completed "+ev.TaskCompleted)
		}
		if ev.Error != "" {
			line += "  " + Error.Render(util.FirstLine(ev.Error))
		}
		return line, "waiting"
	case event.PhaseChanged:
		return Title.Render(fmt.Sprintf("→ phase %s → %s", ev.From, ev.To)), ""
	case event.SessionHandoff:
		return Warning.Render(fmt.Sprintf("↻ handoff at %.0f%% context, new session %s (note %s)",
			ev.UsagePct, shortID(ev.NewSessionID), ev.NotePath)), ""
	case event.RecoveryApplied:
		line = fmt.Sprintf("recovery: %s", ev.Action)
		if ev.TaskID != "" {
			line += " " + ev.TaskID
		}
		if ev.Reason != "" {
			line += " (" + util.FirstLine(ev.Reason) + ")"
		}
		if !ev.OK {
			return Error.Render(line), ""
		}
		return Warning.Render(line), ""
	case event.LoopHalted:
		return Error.Render("halted: " + ev.Reason), ""
	case event.LoopFinished:
		return StatusStyle(ev.Status).Render(fmt.Sprintf("%s after %d iterations, %d tasks completed, $%.4f, phase %s",
			ev.Status, ev.Iterations, ev.TasksCompleted, ev.TotalCostUSD, ev.FinalPhase)), ""
	}
	return "", ""
}

// FormatAgentEvent renders an agent event. Text events are shown only when
// verbose is set; tool_end events are never shown.
func FormatAgentEvent(ev agent.Event, verbose bool) (string, bool) {
	switch ev.Kind {
	case agent.EventToolStart:
		input := util.TruncateString(strings.ReplaceAll(ev.Input, "\n", " "), 80)
		if ev.Denied {
			return Error.Render(fmt.Sprintf("  ⊘ %s %s: %s", ev.Tool, input, ev.Reason)), true
		}
		return Muted.Render(fmt.Sprintf("  · %s %s", ev.Tool, input)), true
	case agent.EventNeedsInput:
		return Warning.Render("  ? agent asked for input: " + util.TruncateString(ev.Input, 80)), true
	case agent.EventText:
		if !verbose {
			return "", false
		}
		return "  " + util.TruncateString(util.FirstLine(ev.Text), 120), true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
