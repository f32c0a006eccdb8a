package handlers

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// buildHandler runs a shell command in the scratch directory. Packages the
// command leaves in RESULT_DIR become artifacts.
type buildHandler struct {
	command string
	timeout time.Duration
}

func newBuild(task workflow.Task, opts Options) (dag.Handler, error) {
	command, ok := task.Parameter("command")
	if !ok || command == "" {
		return nil, fmt.Errorf("missing parameter command")
	}
	timeout := opts.BuildTimeout
	if raw, ok := task.Parameter("timeout"); ok {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("parameter timeout must be a positive duration: %q", raw)
		}
		timeout = d
	}
	return &buildHandler{command: command, timeout: timeout}, nil
}

func (h *buildHandler) Handle(ectx *dag.ExecutionContext) error {
	logPath, err := ectx.AddArtifact(workflow.ArtifactLog, "build.log")
	if err != nil {
		return err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()

	env := append(os.Environ(),
		"WORK_DIR="+ectx.WorkDir(),
		"RESULT_DIR="+ectx.ResultDir(),
	)
	for _, input := range []struct {
		typ workflow.ArtifactType
		env string
	}{
		{workflow.ArtifactCheckout, "CHECKOUT_DIR"},
		{workflow.ArtifactRepository, "REPO_DIR"},
	} {
		dir, ok, err := ectx.OptionalDependencyArtifact(input.typ)
		if err != nil {
			return err
		}
		if ok {
			env = append(env, input.env+"="+dir)
		}
	}

	err = run(ectx, execSpec{
		argv:    []string{"sh", "-c", h.command},
		dir:     ectx.WorkDir(),
		env:     env,
		output:  logFile,
		timeout: h.timeout,
		wrap:    true,
	})
	if err != nil {
		report(ectx, "build", err)
		return nil
	}

	packages, err := h.collect(ectx)
	if err != nil {
		return err
	}
	ectx.Success(fmt.Sprintf("built %d package(s)", packages))
	return nil
}

// collect declares every RPM the command placed at the top of the result directory.
func (h *buildHandler) collect(ectx *dag.ExecutionContext) (int, error) {
	matches, err := filepath.Glob(filepath.Join(ectx.ResultDir(), "*.rpm"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)
	for _, m := range matches {
		typ, _ := packageType(m)
		if _, err := ectx.AddArtifact(typ, filepath.Base(m)); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}
