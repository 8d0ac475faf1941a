package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/runner"
	"github.com/Iron-Ham/cadence/internal/util"
	"github.com/Iron-Ham/cadence/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the verification commands",
	Long: `Run every configured verification command in the project directory and
save a report under the state directory.

In the validation phase a passing run records the signal that completes
the run; in other phases the report is only saved.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// newVerifier builds the verifier for a project. Tests replace it.
var newVerifier = func(p *project) *verify.Verifier {
	return verify.New(
		verify.WithTimeout(time.Duration(p.cfg.Verification.TimeoutSeconds)*time.Second),
		verify.WithMaxOutputBytes(p.cfg.Verification.MaxOutputBytes),
		verify.WithLogger(p.logger),
	)
}

func runVerify(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	rs, pl, err := p.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(p.cfg, rs, pl,
		runner.WithStore(p.store),
		runner.WithLogger(p.logger),
		runner.WithClock(now),
		runner.WithWorkDir(p.dir),
		runner.WithVerifier(newVerifier(p)),
	)
	rep, reportPath, err := r.Verify(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printVerifyReport(out, rep)
	fmt.Fprintf(out, "Report: %s\n", p.store.Path(reportPath))
	if err := rep.Err(); err != nil {
		return errors.Wrapf(err, "verification failed: %d of %d commands did not pass", len(rep.Failures()), len(rep.Results))
	}
	if r.Complete() {
		fmt.Fprintln(out, display.Success.Render("Validation passed; the next run completes."))
	}
	return nil
}

func printVerifyReport(w io.Writer, rep verify.Report) {
	for _, res := range rep.Results {
		outcome := string(res.Outcome)
		style := display.Success
		if res.Outcome != verify.Passed {
			style = display.Error
		}
		fmt.Fprintf(w, "%s %s %s\n",
			style.Render(fmt.Sprintf("%-9s", outcome)),
			res.Command,
			display.Muted.Render(fmt.Sprintf("(%dms)", res.DurationMS)),
		)
		if res.Outcome == verify.Passed {
			continue
		}
		detail := res.Error
		if detail == "" {
			detail = res.Stderr
		}
		if detail == "" {
			detail = res.Stdout
		}
		if detail != "" {
			fmt.Fprintln(w, display.Muted.Render("  "+util.TruncateString(util.FirstLine(detail), 200)))
		}
	}
}
