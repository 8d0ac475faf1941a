package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/breaker"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/recovery"
	"github.com/Iron-Ham/cadence/internal/state"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop the loop before its next iteration",
	Long: `Mark the run as paused. A running 'cadence run' finishes the iteration in
flight and then stops; later runs refuse to start until 'cadence resume'.`,
	Args: cobra.NoArgs,
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Allow the loop to run again",
	Long: `Clear the paused flag.

A run halted by the circuit breaker stays halted until the breaker is dealt
with: --reset-breaker closes it and clears the failure and stagnation
counters, --probation lets exactly one more failure halt the run again.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Bool("reset-breaker", false, "close the circuit breaker and clear its counters")
	resumeCmd.Flags().Bool("probation", false, "move an open circuit breaker to half-open")
	resumeCmd.MarkFlagsMutuallyExclusive("reset-breaker", "probation")
}

func runPause(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	var already bool
	if _, err := p.update(func(rs *state.RunState) error {
		already = rs.Paused
		rs.Paused = true
		return nil
	}); err != nil {
		return err
	}
	if already {
		fmt.Fprintln(cmd.OutOrStdout(), "Run is already paused")
		return nil
	}
	p.logger.Info("run paused")
	fmt.Fprintln(cmd.OutOrStdout(), "Run paused; the loop stops before its next iteration")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	unlock, err := p.lockRun()
	if err != nil {
		return err
	}
	defer unlock()

	resetBreaker, _ := cmd.Flags().GetBool("reset-breaker")
	probation, _ := cmd.Flags().GetBool("probation")

	rs, err := p.update(func(rs *state.RunState) error {
		switch {
		case resetBreaker:
			o := recovery.Apply(recovery.ResetCircuitBreaker, recovery.Target{State: rs})
			if o.Err != nil {
				return o.Err
			}
			rs.LastHaltReason = ""
		case probation:
			if rs.CircuitBreaker.State != breaker.Open {
				return fmt.Errorf("circuit breaker is %s, not open: %w", rs.CircuitBreaker.State, errors.ErrInvalidTransition)
			}
			rs.CircuitBreaker.EnterHalfOpen()
			rs.LastHaltReason = ""
		}
		rs.Paused = false
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Info("run resumed",
		"reset_breaker", resetBreaker,
		"probation", probation,
		"breaker", string(rs.CircuitBreaker.State),
	)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Run resumed")
	fmt.Fprintf(out, "Circuit breaker: %s\n", rs.CircuitBreaker.State)
	if rs.CircuitBreaker.IsOpen() {
		fmt.Fprintln(out, "warning: the breaker is still open; use --reset-breaker or --probation to continue")
	}
	return nil
}
