package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/runner"
	"github.com/Iron-Ham/cadence/internal/state"
)

var completeCmd = &cobra.Command{
	Use:   "complete <phase>",
	Short: "Record that the current phase is done",
	Long: `Record a completion signal for the current phase. Discovery and planning
only advance once their phase has been completed, either by the agent or
with this command. When verification commands are configured, validation
completes only by passing 'cadence verify'.

With --advance the transition is made immediately when the gate allows it.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(phase.Discovery), string(phase.Planning), string(phase.Building), string(phase.Validation)},
	RunE:      runComplete,
}

func init() {
	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().StringP("summary", "m", "", "what the phase produced")
	completeCmd.Flags().Bool("advance", false, "advance to the next phase now")
}

func runComplete(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	target, err := phase.Parse(strings.ToLower(strings.TrimSpace(args[0])))
	if err != nil {
		return errors.NewValidationError(err.Error()).WithField("phase").WithValue(args[0])
	}
	if target == phase.Validation && len(p.cfg.Verification.Commands) > 0 {
		return fmt.Errorf("validation completes by passing `cadence verify`: %w", errors.ErrInvalidTransition)
	}
	summary, _ := cmd.Flags().GetString("summary")

	if _, err := p.update(func(rs *state.RunState) error {
		if rs.CurrentPhase != target {
			return fmt.Errorf("current phase is %s, not %s: %w", rs.CurrentPhase, target, errors.ErrInvalidTransition)
		}
		rs.SetSignal(state.PhaseComplete{For: target, Summary: summary, RecordedAt: now().UTC()})
		return nil
	}); err != nil {
		return err
	}
	p.logger.Info("phase completion recorded", "phase", string(target))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recorded completion of %s\n", target)

	advance, _ := cmd.Flags().GetBool("advance")
	if !advance {
		return nil
	}
	rs, pl, err := p.load()
	if err != nil {
		return err
	}
	r := runner.New(p.cfg, rs, pl,
		runner.WithStore(p.store),
		runner.WithLogger(p.logger),
		runner.WithClock(now),
		runner.WithWorkDir(p.dir),
	)
	d, err := r.Transition(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Advanced %s -> %s\n", d.From, d.To)
	return nil
}
