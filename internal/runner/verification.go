package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/verify"
)

func (r *Runner) verificationConfigured() bool {
	return len(r.cfg.Verification.Commands) > 0
}

func (r *Runner) verifierOrDefault() *verify.Verifier {
	if r.verifier != nil {
		return r.verifier
	}
	r.verifier = verify.New(
		verify.WithTimeout(time.Duration(r.cfg.Verification.TimeoutSeconds)*time.Second),
		verify.WithMaxOutputBytes(r.cfg.Verification.MaxOutputBytes),
		verify.WithClock(r.now),
		verify.WithLogger(r.logger),
	)
	return r.verifier
}

// runVerification runs the configured commands in the work directory and
// saves the report. It returns the report path relative to the state
// directory, or "" without a store.
func (r *Runner) runVerification(ctx context.Context) (verify.Report, string, error) {
	rep := r.verifierOrDefault().RunAll(ctx, r.cfg.Verification.Commands, r.workDir)
	if err := ctx.Err(); err != nil {
		return rep, "", err
	}
	r.logger.Info("verification finished",
		"passed", rep.Passed(),
		"commands", len(rep.Results),
		"failures", len(rep.Failures()),
	)
	if r.store == nil {
		return rep, "", nil
	}
	rel, err := r.store.SaveReport(reportName(rep.FinishedAt), rep)
	if err != nil {
		return rep, "", err
	}
	return rep, rel, nil
}

// Verify runs the verification commands outside the loop. A passing report
// is recorded as the validation signal when the run is in the validation
// phase; in any other phase the report is only saved.
func (r *Runner) Verify(ctx context.Context) (verify.Report, string, error) {
	if !r.verificationConfigured() {
		return verify.Report{}, "", fmt.Errorf("no verification commands configured")
	}
	rep, rel, err := r.runVerification(ctx)
	if err != nil {
		return rep, rel, err
	}
	if rep.Passed() && r.state.CurrentPhase == phase.Validation {
		r.state.SetSignal(state.ValidationPassed{Commands: rep.Commands(), ReportPath: rel, RecordedAt: r.now()})
		r.state.Touch(r.now())
		if err := r.persist(); err != nil {
			return rep, rel, err
		}
	}
	return rep, rel, nil
}

func reportName(at time.Time) string {
	return "verify-" + at.UTC().Format("20060102T150405Z")
}

func failureSummary(rep verify.Report) string {
	fails := rep.Failures()
	if len(fails) == 0 {
		return "no commands ran"
	}
	parts := make([]string, 0, len(fails))
	for _, f := range fails {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Command, f.Outcome))
	}
	return strings.Join(parts, ", ")
}
