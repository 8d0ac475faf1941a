package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/permission"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Check a tool call against the permission policy",
	Long: `Read a PreToolUse hook payload from stdin and decide whether the call is
allowed in the current phase. 'cadence run' installs this command as the
agent's hook; it is not meant to be run by hand.

Exits 0 when the call is allowed and 2 with the reason on stderr when it is
denied. A payload or state that cannot be read is denied.`,
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE:   runGuard,
}

func init() {
	rootCmd.AddCommand(guardCmd)
}

// hookPayload is the part of the PreToolUse payload the guard reads.
type hookPayload struct {
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		Command string `json:"command"`
	} `json:"tool_input"`
}

func runGuard(cmd *cobra.Command, args []string) error {
	deny := func(reason string) error {
		fmt.Fprintln(cmd.ErrOrStderr(), reason)
		return &exitError{code: 2, err: fmt.Errorf("tool call denied: %s", reason), silent: true}
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return deny("cadence guard: read hook input: " + err.Error())
	}
	var in hookPayload
	if err := json.Unmarshal(data, &in); err != nil || in.ToolName == "" {
		return deny("cadence guard: malformed hook input")
	}

	p, err := openProject(cmd)
	if err != nil {
		return deny("cadence guard: " + err.Error())
	}
	defer p.close()

	rs, _, err := p.load()
	if err != nil {
		return deny("cadence guard: " + err.Error())
	}
	guard, err := newGuard(cmd.Context(), p)
	if err != nil {
		return deny("cadence guard: " + err.Error())
	}

	d, err := guard.Check(cmd.Context(), permission.Request{
		Phase:   rs.CurrentPhase,
		Tool:    in.ToolName,
		Command: in.ToolInput.Command,
	})
	if err != nil {
		return deny("cadence guard: " + err.Error())
	}
	if d.Allowed {
		return nil
	}
	reason := d.Reason
	if d.Suggestion != "" {
		reason += ". " + d.Suggestion
	}
	return deny(reason)
}
