package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage the task plan",
}

var planImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a task list from a YAML or JSON file",
	Long: `Import a task list into the plan.

The file holds a list under "tasks"; files ending in .json are read as JSON,
anything else as YAML:

  tasks:
    - id: T1
      description: scaffold the module
      priority: 1
      verification_criteria: [go build ./... succeeds]
    - id: T2
      description: add the parser
      priority: 2
      dependencies: [T1]

An existing non-empty plan is only replaced with --replace.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanImport,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planImportCmd)
	planImportCmd.Flags().Bool("replace", false, "replace a plan that already has tasks")
}

func runPlanImport(cmd *cobra.Command, args []string) error {
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

	_, current, err := p.load()
	if err != nil {
		return err
	}
	replace, _ := cmd.Flags().GetBool("replace")
	if len(current.Tasks) > 0 && !replace {
		return errors.NewValidationError(fmt.Sprintf("plan already has %d tasks (use --replace)", len(current.Tasks))).
			WithField("plan")
	}

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	imported, err := plan.Decode(data, plan.FormatForPath(path), now())
	if err != nil {
		return errors.NewValidationError("invalid task list").WithField(path).WithCause(err)
	}
	if len(current.Tasks) > 0 {
		imported.CreatedAt = current.CreatedAt
	}
	if err := p.store.SavePlan(imported); err != nil {
		return err
	}
	p.logger.Info("plan imported", "path", path, "tasks", len(imported.Tasks), "replaced", len(current.Tasks))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d tasks from %s\n", len(imported.Tasks), path)
	for _, w := range danglingDependencies(imported) {
		fmt.Fprintln(out, display.Warning.Render("warning: "+w))
	}
	if !imported.PrioritiesAssigned() {
		fmt.Fprintln(out, display.Warning.Render("warning: planning cannot finish until every task has a priority above zero"))
	}
	return nil
}

// danglingDependencies describes dependencies on ids that are not in the
// plan. Such tasks are never selected.
func danglingDependencies(p *plan.Plan) []string {
	var out []string
	for _, t := range p.List() {
		for _, dep := range t.Dependencies {
			if _, ok := p.Task(dep); !ok {
				out = append(out, fmt.Sprintf("task %s depends on unknown task %s and will never run", t.ID, dep))
			}
		}
	}
	return out
}
