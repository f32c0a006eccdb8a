package testutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/stretchr/testify/require"
)

// Workspace is an isolated set of chainbuild directories plus a workflow document.
type Workspace struct {
	Root     string
	Document string
	Binary   string
	Keep     bool
}

// Result is the outcome of one CLI invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// SetupWorkspace writes tasks to a fresh document under a temporary root.
func SetupWorkspace(t *testing.T, tasks []workflow.Task, keep bool) *Workspace {
	t.Helper()

	root, err := os.MkdirTemp("", "chainbuild-it-")
	require.NoError(t, err, "failed to create workspace")

	binary, err := filepath.Abs(GetBinaryPath())
	require.NoError(t, err)

	ws := &Workspace{Root: root, Document: filepath.Join(root, "workflow.json"), Binary: binary, Keep: keep}
	require.NoError(t, workflow.WriteFile(ws.Document, workflow.New(tasks)))

	t.Cleanup(func() {
		if ws.Keep || t.Failed() {
			t.Logf("Workspace preserved in: %s", root)
			return
		}
		if err := os.RemoveAll(root); err != nil {
			t.Logf("Warning: failed to clean up workspace %s: %v", root, err)
		}
	})
	return ws
}

// Run invokes the binary with the workspace directories in the environment.
func (ws *Workspace) Run(t *testing.T, args ...string) Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, ws.Binary, args...)
	cmd.Dir = ws.Root
	cmd.Env = append(os.Environ(),
		"CHAINBUILD_RESULT_DIR="+filepath.Join(ws.Root, "results"),
		"CHAINBUILD_WORK_DIR="+filepath.Join(ws.Root, "work"),
		"CHAINBUILD_CACHE_DIR="+filepath.Join(ws.Root, "cache"),
		"CHAINBUILD_WORKFLOW="+ws.Document,
		"LOG_FORMAT=text",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		require.NoError(t, err, "failed to run chainbuild")
	}
	return res
}

// Load reads the workflow document back.
func (ws *Workspace) Load(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.ReadFile(ws.Document)
	require.NoError(t, err)
	return wf
}
