package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show token usage and cost statistics",
	Long: `Display token usage and spend for the run.

Shows:
- Spend against the session and total limits
- Token usage and the context budget of the current session
- Handoffs so far
- Completed tasks by tokens used`,
	Args: cobra.NoArgs,
	RunE: runStatsCmd,
}

var (
	statsJSON bool // Output as JSON
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output as JSON")
}

// statsReport is the JSON shape of the stats command.
type statsReport struct {
	Phase      string      `json:"phase"`
	Sessions   int         `json:"sessions"`
	Handoffs   int         `json:"handoffs"`
	Iterations int         `json:"iterations"`
	Cost       costStats   `json:"cost"`
	Tokens     tokenStats  `json:"tokens"`
	Tasks      []taskStats `json:"tasks"`
}

type costStats struct {
	Session      float64 `json:"session"`
	Total        float64 `json:"total"`
	SessionLimit float64 `json:"session_limit"`
	TotalLimit   float64 `json:"total_limit"`
}

type tokenStats struct {
	Session         int     `json:"session"`
	Total           int     `json:"total"`
	ContextCapacity int     `json:"context_capacity"`
	ContextUsagePct float64 `json:"context_usage_pct"`
}

type taskStats struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Estimated int    `json:"estimated_tokens"`
	Actual    int    `json:"actual_tokens"`
	Retries   int    `json:"retries"`
}

func runStatsCmd(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	rs, pl, err := p.load()
	if err != nil {
		return err
	}
	handoffs, err := p.store.Handoffs()
	if err != nil {
		return err
	}
	stats := collectStats(rs, pl, p.cfg, len(handoffs))

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	printStatsText(out, stats)
	return nil
}

func collectStats(rs *state.RunState, pl *plan.Plan, cfg *config.Config, handoffs int) statsReport {
	s := statsReport{
		Phase:      string(rs.CurrentPhase),
		Sessions:   rs.SessionCount,
		Handoffs:   handoffs,
		Iterations: rs.IterationCount,
		Cost: costStats{
			Session:      rs.SessionCostUSD,
			Total:        rs.TotalCostUSD,
			SessionLimit: cfg.Cost.MaxSessionUSD,
			TotalLimit:   cfg.Cost.MaxTotalUSD,
		},
		Tokens: tokenStats{
			Session:         rs.SessionTokens,
			Total:           rs.TotalTokens,
			ContextCapacity: rs.ContextBudget.TotalCapacity,
			ContextUsagePct: rs.ContextBudget.UsagePercentage(),
		},
		Tasks: []taskStats{},
	}
	for _, t := range pl.List() {
		ts := taskStats{ID: t.ID, Status: string(t.Status), Estimated: t.EstimatedTokens, Retries: t.RetryCount}
		if t.ActualTokensUsed != nil {
			ts.Actual = *t.ActualTokensUsed
		}
		s.Tasks = append(s.Tasks, ts)
	}
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		return s.Tasks[i].Actual > s.Tasks[j].Actual
	})
	return s
}

func printStatsText(w io.Writer, s statsReport) {
	rule := display.Muted.Render(strings.Repeat("─", 50))

	fmt.Fprintln(w, display.Title.Render("RUN SUMMARY"))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Phase: %s\n", s.Phase)
	fmt.Fprintf(w, "Sessions: %d (%d handoffs)\n", s.Sessions, s.Handoffs)
	fmt.Fprintf(w, "Iterations: %d\n", s.Iterations)
	fmt.Fprintln(w)

	fmt.Fprintln(w, display.Title.Render("COST"))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Session: %s\n", formatSpend(s.Cost.Session, s.Cost.SessionLimit))
	fmt.Fprintf(w, "Total:   %s\n", formatSpend(s.Cost.Total, s.Cost.TotalLimit))
	fmt.Fprintln(w)

	fmt.Fprintln(w, display.Title.Render("TOKENS"))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Session: %s\n", formatTokens(s.Tokens.Session))
	fmt.Fprintf(w, "Total:   %s\n", formatTokens(s.Tokens.Total))
	fmt.Fprintf(w, "Context: %.1f%% of %s\n", s.Tokens.ContextUsagePct, formatTokens(s.Tokens.ContextCapacity))
	fmt.Fprintln(w)

	fmt.Fprintln(w, display.Title.Render("TASKS BY TOKENS"))
	fmt.Fprintln(w, rule)
	shown := 0
	for _, t := range s.Tasks {
		if t.Actual == 0 {
			continue
		}
		shown++
		line := fmt.Sprintf("%d. %s (%s): %s tokens", shown, t.ID, t.Status, formatTokens(t.Actual))
		if t.Estimated > 0 {
			line += display.Muted.Render(fmt.Sprintf(" (estimated %s)", formatTokens(t.Estimated)))
		}
		if t.Retries > 0 {
			line += display.Warning.Render(fmt.Sprintf(" [%d retries]", t.Retries))
		}
		fmt.Fprintln(w, line)
	}
	if shown == 0 {
		fmt.Fprintln(w, "No completed tasks yet.")
	}
}

func formatSpend(spent, limit float64) string {
	if limit <= 0 {
		return fmt.Sprintf("$%.4f", spent)
	}
	line := fmt.Sprintf("$%.4f of $%.2f", spent, limit)
	if spent >= limit {
		return display.Error.Render(line + " (limit reached)")
	}
	return line + display.Muted.Render(fmt.Sprintf(" (remaining $%.2f)", limit-spent))
}

// formatTokens abbreviates large counts: 950, 12.3K, 1.2M.
func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
