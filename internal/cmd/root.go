// Package cmd implements the cadence command-line interface.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Deterministic phase loop for coding agents",
	Long: `Cadence drives a coding agent through discovery, planning, building and
validation, one short session at a time. Progress lives in a small set of
JSON documents under .cadence/, so every session starts from the same
durable state and the loop, not the agent, decides what happens next.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("dir", "C", "", "project directory (default is the current directory)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is <state dir>/config.yaml)")
}

// exitError carries a process exit status other than the default 1.
type exitError struct {
	code int
	err  error
	// silent errors have already been reported.
	silent bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return errors.ExitCode(err)
}

// Reported reports whether err was already written to stderr.
func Reported(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.silent
}

// PrintError writes an error returned by Execute, labelled by severity.
// Errors that are not classified as user facing are unexpected, so the
// output points at the session log.
func PrintError(w io.Writer, err error) {
	if err == nil || Reported(err) {
		return
	}
	label := "Error:"
	switch sev := errors.GetSeverity(err); {
	case sev == errors.SeverityCritical:
		label = "Action required:"
	case sev <= errors.SeverityWarning:
		label = "Warning:"
	}
	fmt.Fprintln(w, label, err)
	if !errors.IsUserFacing(err) {
		fmt.Fprintln(w, "Run `cadence logs` for the session log.")
	}
}
