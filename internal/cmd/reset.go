package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the run state",
	Long: `Delete the run state, handoff notes, verification reports and metrics.

The plan and the draft task list are deleted too unless --keep-plan is
given. Configuration, policies and the debug log are always kept. Run
'cadence init' afterwards to start a new run.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("keep-plan", false, "keep the plan")
}

func runReset(cmd *cobra.Command, args []string) error {
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

	keep, _ := cmd.Flags().GetBool("keep-plan")
	removed, err := p.store.Reset(keep)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(removed) == 0 {
		fmt.Fprintln(out, "nothing to remove")
		return nil
	}
	for _, name := range removed {
		fmt.Fprintf(out, "removed %s\n", name)
	}
	return nil
}
