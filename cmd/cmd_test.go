package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow() *workflow.Workflow {
	wf := workflow.New([]workflow.Task{
		{ID: "src", Handler: "checkout"},
		{ID: "pkg", Handler: "build", Dependencies: []string{"src"}},
		{ID: "repo", Handler: "createrepo", Dependencies: []string{"pkg"}},
	})
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	wf.AppendResult(workflow.Result{ID: "0123456789abcdef", TaskID: "src", Outcome: workflow.OutcomeSuccess,
		TimeStarted: start, TimeFinished: start.Add(2 * time.Second)})
	wf.AppendResult(workflow.Result{ID: "fedcba9876543210", TaskID: "pkg", Outcome: workflow.OutcomeFailure,
		OutcomeReason: "build: exit status 1", TimeStarted: start, TimeFinished: start.Add(time.Minute)})
	return wf
}

func TestStatusTable(t *testing.T) {
	wf := sampleWorkflow()
	out := statusTable(wf)

	assert.Contains(t, out, "0123456789ab")
	assert.Contains(t, out, "build: exit status 1")
	assert.Contains(t, out, "PENDING")
	assert.Equal(t, "1 succeeded, 1 failed, 0 errored, 1 without result", statusCounts(wf))
}

func TestSummaryBox(t *testing.T) {
	r := &dag.ExecutionResult{
		Success:       false,
		Workflow:      sampleWorkflow(),
		Executed:      2,
		Failed:        1,
		Blocked:       []string{"repo"},
		ExecutionTime: 62 * time.Second,
	}
	out := summaryBox(r, "/tmp/run.json", false)

	assert.Contains(t, out, "Workflow failed")
	assert.Contains(t, out, "Blocked:  repo")
	assert.Contains(t, out, "pkg FAILURE: build: exit status 1")
	assert.Contains(t, out, "/tmp/run.json")
}

func TestRunCommand_RequiresWorkflow(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CHAINBUILD_RESULT_DIR", filepath.Join(root, "results"))
	t.Setenv("CHAINBUILD_WORK_DIR", filepath.Join(root, "work"))
	t.Setenv("CHAINBUILD_CACHE_DIR", filepath.Join(root, "cache"))

	rootCmd.SetArgs([]string{"run", "--quiet"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, "VALIDATION-001", errors.GetErrorCode(err))
}

func TestValidateCommand_PrintsOrder(t *testing.T) {
	root := t.TempDir()
	doc := filepath.Join(root, "wf.json")
	require.NoError(t, workflow.WriteFile(doc, workflow.New([]workflow.Task{
		{ID: "pkg", Handler: "build", Dependencies: []string{"src"},
			Parameters: []workflow.Parameter{{Name: "command", Value: "true"}}},
		{ID: "src", Handler: "checkout"},
	})))
	t.Setenv("CHAINBUILD_RESULT_DIR", filepath.Join(root, "results"))
	t.Setenv("CHAINBUILD_WORK_DIR", filepath.Join(root, "work"))
	t.Setenv("CHAINBUILD_CACHE_DIR", filepath.Join(root, "cache"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	rootCmd.SetArgs([]string{"validate", "--quiet", "--workflow", doc})
	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.Contains(t, s, "2 tasks OK")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("src")), bytes.Index(out.Bytes(), []byte("pkg")))
}

func setWorkspaceEnv(t *testing.T, root string) {
	t.Setenv("CHAINBUILD_RESULT_DIR", filepath.Join(root, "results"))
	t.Setenv("CHAINBUILD_WORK_DIR", filepath.Join(root, "work"))
	t.Setenv("CHAINBUILD_CACHE_DIR", filepath.Join(root, "cache"))
}

func TestRunCommand_WritesFinalDocument(t *testing.T) {
	root := t.TempDir()
	setWorkspaceEnv(t, root)
	doc := filepath.Join(root, "wf.json")
	output := filepath.Join(root, "out", "run.json")
	require.NoError(t, workflow.WriteFile(doc, workflow.New([]workflow.Task{
		{ID: "pkg", Handler: "build", Parameters: []workflow.Parameter{{Name: "command", Value: "true"}}},
	})))
	defer func() { runOutput = "" }()

	rootCmd.SetArgs([]string{"run", "--quiet", "--workflow", doc, "--output", output})
	require.NoError(t, rootCmd.Execute())

	wf, err := workflow.ReadFile(output)
	require.NoError(t, err)
	assert.True(t, wf.IsComplete())
	r, ok := wf.ResultFor("pkg")
	require.True(t, ok)
	assert.Equal(t, workflow.OutcomeSuccess, r.Outcome)
}

func TestRunCommand_FinalWriteFailureIsPersistenceError(t *testing.T) {
	root := t.TempDir()
	setWorkspaceEnv(t, root)
	doc := filepath.Join(root, "wf.json")
	require.NoError(t, workflow.WriteFile(doc, workflow.New([]workflow.Task{
		{ID: "pkg", Handler: "build", Parameters: []workflow.Parameter{{Name: "command", Value: "true"}}},
	})))
	notADir := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))
	defer func() { runOutput = "" }()

	rootCmd.SetArgs([]string{"run", "--quiet", "--workflow", doc, "--output", filepath.Join(notADir, "run.json")})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, "PERSISTENCE-001", errors.GetErrorCode(err))
}

func TestStatusCommand_FollowStopsWhenSettled(t *testing.T) {
	root := t.TempDir()
	setWorkspaceEnv(t, root)
	doc := filepath.Join(root, "wf.json")
	require.NoError(t, workflow.WriteFile(doc, sampleWorkflow()))
	defer func() { statusFollow = false }()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	rootCmd.SetArgs([]string{"status", "--quiet", "--follow", "--workflow", doc})

	done := make(chan error, 1)
	go func() { done <- rootCmd.Execute() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("status --follow kept waiting on a document whose remaining task is blocked")
	}
	assert.Contains(t, out.String(), "1 without result")
}
