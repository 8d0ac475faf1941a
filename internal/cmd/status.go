package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the run",
	Long: `Display the current phase, session, iteration and cost counters, the
circuit breaker, the context budget and task progress.

With --watch the status is redrawn whenever the state or plan changes on
disk, for example while 'cadence run' is working in another terminal.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("watch", "w", false, "redraw when the state changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	out := cmd.OutOrStdout()
	if err := printStatus(out, p); err != nil {
		return err
	}

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchStatus(ctx, out, p)
}

func printStatus(w io.Writer, p *project) error {
	rs, pl, err := p.load()
	if err != nil {
		return err
	}
	renderStatus(w, rs, pl, p.cfg)
	return nil
}

// watchStatus redraws the status on every write to the state or plan until
// ctx is done. Rapid bursts of writes are coalesced.
func watchStatus(ctx context.Context, w io.Writer, p *project) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", p.stateDir, err)
	}
	defer watcher.Close()
	if err := watcher.Add(p.stateDir); err != nil {
		return fmt.Errorf("watch %s: %w", p.stateDir, err)
	}

	const settle = 150 * time.Millisecond
	var redraw <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name != store.StateFile && name != store.PlanFile {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				redraw = time.After(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("status watch error", "error", err.Error())
		case <-redraw:
			redraw = nil
			fmt.Fprintln(w)
			if err := printStatus(w, p); err != nil {
				fmt.Fprintln(w, display.Error.Render(err.Error()))
			}
		}
	}
}

func renderStatus(w io.Writer, rs *state.RunState, pl *plan.Plan, cfg *config.Config) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s%s\n", display.Label.Render(label), value)
	}

	fmt.Fprintln(w, display.Title.Render("cadence status"))
	phaseLine := string(rs.CurrentPhase)
	if rs.ValidationPassed() {
		phaseLine += " (validation passed)"
	}
	row("Phase", phaseLine)
	if rs.Paused {
		row("Loop", display.Warning.Render("paused"))
	}
	row("Session", fmt.Sprintf("#%d %s", rs.SessionCount, rs.SessionID))
	row("Iterations", fmt.Sprintf("%d total, %d this session", rs.IterationCount, rs.SessionIterationCount))
	row("Cost", fmt.Sprintf("$%.4f total, $%.4f this session%s", rs.TotalCostUSD, rs.SessionCostUSD, costCeiling(cfg)))
	row("Tokens", fmt.Sprintf("%d total, %d this session", rs.TotalTokens, rs.SessionTokens))

	cb := rs.CircuitBreaker
	breakerLine := display.StatusStyle(string(cb.State)).Render(string(cb.State)) +
		fmt.Sprintf("  failures %d/%d  stagnation %d/%d",
			cb.FailureCount, cb.MaxConsecutiveFailures, cb.StagnationCount, cb.MaxStagnationIterations)
	row("Circuit breaker", breakerLine)
	if cb.LastFailureReason != nil {
		row("Last failure", *cb.LastFailureReason)
	}
	if rs.LastHaltReason != "" {
		row("Last halt", display.Error.Render(rs.LastHaltReason))
	}

	cbud := rs.ContextBudget
	budgetLine := fmt.Sprintf("%d/%d tokens (%.1f%%)", cbud.CurrentUsage, cbud.TotalCapacity, cbud.UsagePercentage())
	if cbud.ShouldHandoff() {
		budgetLine += display.Warning.Render("  handoff due")
	}
	row("Context", budgetLine)

	c := pl.Counts()
	row("Tasks", fmt.Sprintf("%d total: %d complete, %d in progress, %d pending, %d blocked",
		c.Total, c.Complete, c.InProgress, c.Pending, c.Blocked))
	if cur, ok := pl.Current(); ok {
		row("Current task", cur.ID+" "+cur.Description)
	} else if next, ok := pl.NextTask(); ok && rs.CurrentPhase == phase.Building {
		row("Next task", next.ID+" "+next.Description)
	}

	if len(rs.CompletionSignals) > 0 {
		keys := make([]string, 0, len(rs.CompletionSignals))
		for k := range rs.CompletionSignals {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		row("Signals", strings.Join(keys, ", "))
	}
	if n := len(rs.PendingMemory); n > 0 {
		row("Pending notes", fmt.Sprintf("%d", n))
	}
	row("Last activity", rs.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
}

func costCeiling(cfg *config.Config) string {
	if cfg == nil || cfg.Cost.MaxTotalUSD <= 0 {
		return ""
	}
	return fmt.Sprintf(" (limit $%.2f)", cfg.Cost.MaxTotalUSD)
}
