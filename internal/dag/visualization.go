package dag

import (
	"fmt"
	"strings"
	"time"

	"github.com/maxkimambo/chainbuild/internal/workflow"
)

var outcomeColors = map[workflow.Outcome]string{
	workflow.OutcomeSuccess: "lightgreen",
	workflow.OutcomeFailure: "salmon",
	workflow.OutcomeError:   "orange",
}

// DOTGraph renders the workflow for Graphviz, colouring tasks by outcome.
// Tasks without a result are drawn grey.
func DOTGraph(wf *workflow.Workflow) string {
	var sb strings.Builder
	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=filled];\n\n")

	results := map[string]workflow.Result{}
	for _, r := range wf.Results {
		results[r.TaskID] = r
	}

	for _, t := range wf.Tasks {
		color := "lightgrey"
		label := fmt.Sprintf("%s\\n%s", t.ID, t.Handler)
		if r, ok := results[t.ID]; ok {
			color = outcomeColors[r.Outcome]
			label += fmt.Sprintf("\\n%s", r.Duration().Round(time.Second))
			if r.Outcome != workflow.OutcomeSuccess && r.OutcomeReason != "" {
				reason := r.OutcomeReason
				if len(reason) > 50 {
					reason = reason[:47] + "..."
				}
				label += "\\n" + escapeDOT(reason)
			}
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\", fillcolor=%q];\n", t.ID, label, color))
	}

	sb.WriteString("\n")
	for _, t := range wf.Tasks {
		for _, dep := range t.Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, t.ID))
		}
	}

	counts := wf.Counts()
	sb.WriteString(fmt.Sprintf("\n  \"stats\" [label=\"Total: %d\\nSucceeded: %d\\nFailed: %d\\nErrored: %d\\nPending: %d\", shape=note, fillcolor=\"lightyellow\"];\n",
		len(wf.Tasks), counts[workflow.OutcomeSuccess], counts[workflow.OutcomeFailure],
		counts[workflow.OutcomeError], len(wf.Tasks)-len(results)))
	sb.WriteString("}\n")
	return sb.String()
}

func escapeDOT(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ").Replace(s)
}
