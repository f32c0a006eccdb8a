package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/handlers"
	"github.com/maxkimambo/chainbuild/internal/utils"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/spf13/cobra"
)

var validateDOT bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a workflow document without running it",
	Long: `Check that a workflow document is well formed: unique task ids, known
dependencies, no cycles and registered handler keys. Prints the order in which
tasks would be discovered, or a Graphviz graph with --dot.`,
	RunE: validateWorkflow,
}

func init() {
	validateCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "Workflow document to check")
	validateCmd.Flags().BoolVar(&validateDOT, "dot", false, "Print the graph in Graphviz DOT format")
}

func validateWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wf, err := workflow.ReadFile(cfg.Workspace.WorkflowFile)
	if err != nil {
		return err
	}
	if err := handlers.NewRegistry(handlerOptions(cfg)).Validate(wf.Tasks); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if validateDOT {
		fmt.Fprint(out, dag.DOTGraph(wf))
		return nil
	}

	order, err := workflow.Validate(wf.Tasks)
	if err != nil {
		return err
	}
	tbl := utils.NewTable("#", "TASK", "HANDLER", "DEPENDENCIES")
	for i, id := range order {
		t, _ := wf.Task(id)
		tbl.AddRow(strconv.Itoa(i+1), t.ID, t.Handler, strings.Join(t.Dependencies, ", "))
	}
	fmt.Fprint(out, tbl.String())
	fmt.Fprintf(out, "%s OK\n", utils.Plural(len(order), "task"))
	return nil
}
