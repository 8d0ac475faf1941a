package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/agent"
	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/metrics"
	"github.com/Iron-Ham/cadence/internal/permission"
	"github.com/Iron-Ham/cadence/internal/runner"
	"github.com/Iron-Ham/cadence/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the phase loop",
	Long: `Run iterations of the coding agent until the run completes, halts, is
paused, or reaches the iteration limit.

Each iteration gets a fresh prompt built from the durable state: the phase
goal, the assigned task and, after a handoff, the previous session's note.
Progress is saved after every iteration, so the loop can be stopped with
Ctrl-C and resumed later with another 'cadence run'.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntP("max-iterations", "n", 0, "stop after this many iterations (default from config)")
	runCmd.Flags().BoolP("verbose", "v", false, "print the agent's text output")
}

// newSession builds the agent session for a run. Tests replace it.
var newSession = func(p *project, guard *permission.Guard) (agent.Session, error) {
	hook, err := guardHookCommand(p.dir)
	if err != nil {
		return nil, err
	}
	return agent.NewClaudeSession(p.cfg.Agent,
		agent.WithGuard(guard),
		agent.WithHookCommand(hook),
		agent.WithSessionLogger(p.logger),
	), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	rs, pl, err := p.load()
	if err != nil {
		return err
	}

	lock := store.NewRunLock(p.stateDir)
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%s: %w (use `cadence pause` to stop it)", lock.Path(), errors.ErrRunInProgress)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, err := newGuard(ctx, p)
	if err != nil {
		return err
	}
	session, err := newSession(p, guard)
	if err != nil {
		return err
	}

	maxIter, _ := cmd.Flags().GetInt("max-iterations")
	verbose, _ := cmd.Flags().GetBool("verbose")

	bus := event.NewBus(p.logger)
	reporter := display.New(cmd.OutOrStdout(), display.WithVerbose(verbose))
	reporter.Attach(bus)

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		reporter.Close()
		return err
	}
	recorder.Attach(bus)

	r := runner.New(p.cfg, rs, pl,
		runner.WithStore(p.store),
		runner.WithBus(bus),
		runner.WithLogger(p.logger),
		runner.WithWorkDir(p.dir),
	)

	p.logger.Info("run started",
		"phase", string(rs.CurrentPhase),
		"session_id", rs.SessionID,
		"max_iterations", maxIter,
		"policies", strings.Join(guard.Policies(), ","),
	)
	res, runErr := r.RunSession(ctx, session, maxIter, reporter.AgentEvents())
	reporter.Close()

	if err := recorder.WriteTextfile(p.store.Path(store.MetricsFile)); err != nil {
		p.logger.Warn("failed to write metrics", "error", err.Error())
	}

	printRunSummary(cmd.OutOrStdout(), res)
	if runErr != nil {
		return runErr
	}
	switch res.Status {
	case runner.StatusHalted:
		if strings.HasPrefix(res.StopReason, "manual_intervention") {
			return errors.NewInterventionError(strings.TrimPrefix(res.StopReason, "manual_intervention: "))
		}
		return fmt.Errorf("run halted: %s (inspect with `cadence status`, then `cadence resume --reset-breaker`)", res.StopReason)
	case runner.StatusFailed:
		return fmt.Errorf("run failed: %s", res.StopReason)
	}
	return nil
}

func printRunSummary(w io.Writer, res runner.LoopResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, display.Title.Render("Run summary"))
	status := display.StatusStyle(string(res.Status)).Render(string(res.Status))
	if res.StopReason != "" {
		status += display.Muted.Render(" (" + res.StopReason + ")")
	}
	fmt.Fprintf(w, "%s%s\n", display.Label.Render("Status"), status)
	fmt.Fprintf(w, "%s%s\n", display.Label.Render("Phase"), res.FinalPhase)
	fmt.Fprintf(w, "%s%d\n", display.Label.Render("Iterations"), res.Iterations)
	fmt.Fprintf(w, "%s%d\n", display.Label.Render("Tasks completed"), res.TasksCompleted)
	fmt.Fprintf(w, "%s$%.4f (%d tokens)\n", display.Label.Render("Total cost"), res.TotalCostUSD, res.TotalTokens)
	fmt.Fprintf(w, "%s%d\n", display.Label.Render("Sessions"), res.SessionCount)
}

// newGuard compiles the permission policies of p.
func newGuard(ctx context.Context, p *project) (*permission.Guard, error) {
	policyDir := p.cfg.Permissions.PolicyDir
	if policyDir != "" && !filepath.IsAbs(policyDir) {
		policyDir = filepath.Join(p.stateDir, policyDir)
	}
	return permission.New(ctx, permission.Options{
		Profiles:        runner.ProfilesFromConfig(p.cfg),
		Fs:              afero.NewOsFs(),
		PolicyDir:       policyDir,
		BlockedPrefixes: p.cfg.Permissions.BlockedCommands,
		Logger:          p.logger,
	})
}

// guardHookCommand is the PreToolUse hook that runs `cadence guard` for dir.
func guardHookCommand(dir string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate cadence executable: %w", err)
	}
	return shellQuote(exe) + " guard --dir " + shellQuote(dir), nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
