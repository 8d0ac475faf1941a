package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/util"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the tasks of the plan",
	Long: `List the plan's tasks in selection order: lowest priority first, ties
broken by id.

Examples:
  cadence tasks
  cadence tasks --status pending,in_progress
  cadence tasks --format yaml > tasks.yaml`,
	Args: cobra.NoArgs,
	RunE: runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.Flags().StringP("format", "f", "table", "output format: table, json or yaml")
	tasksCmd.Flags().StringSlice("status", nil, "only show tasks with these statuses")
}

func runTasks(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	format, _ := cmd.Flags().GetString("format")
	statusNames, _ := cmd.Flags().GetStringSlice("status")
	statuses := make([]plan.TaskStatus, 0, len(statusNames))
	for _, s := range statusNames {
		st, err := plan.ParseTaskStatus(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	_, pl, err := p.load()
	if err != nil {
		return err
	}
	tasks := pl.List(statuses...)
	out := cmd.OutOrStdout()

	switch format {
	case "table":
		renderTaskTable(out, tasks)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]plan.Task{"tasks": tasks})
	case "yaml":
		filtered := pl.Clone()
		filtered.Tasks = tasks
		data, err := plan.Encode(filtered, plan.FormatYAML)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		return errors.NewValidationError("unknown output format").WithField("format").WithValue(format)
	}
}

func renderTaskTable(w io.Writer, tasks []plan.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, display.Muted.Render("No tasks."))
		return
	}
	idWidth := len("ID")
	for _, t := range tasks {
		idWidth = max(idWidth, lipgloss.Width(t.ID))
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	prioCol := lipgloss.NewStyle().Width(6)
	statusCol := lipgloss.NewStyle().Width(13)

	header := idCol.Render("ID") + prioCol.Render("PRIO") + statusCol.Render("STATUS") + "DESCRIPTION"
	fmt.Fprintln(w, display.Title.Render(header))
	for _, t := range tasks {
		desc := util.TruncateString(util.FirstLine(t.Description), 60)
		if len(t.Dependencies) > 0 {
			desc += display.Muted.Render(" (after " + strings.Join(t.Dependencies, ", ") + ")")
		}
		if t.RetryCount > 0 {
			desc += display.Warning.Render(fmt.Sprintf(" [%d retries]", t.RetryCount))
		}
		status := display.StatusStyle(string(t.Status)).Render(string(t.Status))
		fmt.Fprintln(w, idCol.Render(t.ID)+prioCol.Render(fmt.Sprintf("%d", t.Priority))+statusCol.Render(status)+desc)
	}
}
