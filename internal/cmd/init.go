package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize cadence in the current project",
	Long: `Initialize cadence in the project directory.

This creates the state directory (.cadence by default) with a fresh run
state in the discovery phase, an empty plan and an editable config.yaml.
An existing run is kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("force", false, "overwrite an existing run state and plan")
}

func runInit(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	force, _ := cmd.Flags().GetBool("force")
	at := now()
	rs := state.New(p.cfg, state.NewSessionID(), at)
	if err := p.store.Init(rs, plan.New(at), force); err != nil {
		if errors.Is(err, errors.ErrAlreadyInitialized) {
			return fmt.Errorf("cadence is already initialized in %s (use --force to start over): %w", p.stateDir, errors.ErrAlreadyInitialized)
		}
		return err
	}

	if _, err := os.Stat(p.configPath); os.IsNotExist(err) {
		if err := p.cfg.WriteFile(p.configPath); err != nil {
			return err
		}
	}

	p.logger.Info("initialized", "state_dir", p.stateDir, "session_id", rs.SessionID, "force", force)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "cadence initialized")
	fmt.Fprintf(out, "State directory: %s\n", p.stateDir)
	fmt.Fprintf(out, "Config:          %s\n", p.configPath)
	fmt.Fprintf(out, "Phase:           %s\n", rs.CurrentPhase)
	return nil
}
