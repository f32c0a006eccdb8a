package handlers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// createrepoHandler assembles the binary packages of its dependencies into a
// package repository.
type createrepoHandler struct {
	tool string
}

func newCreaterepo(_ workflow.Task, opts Options) (dag.Handler, error) {
	return &createrepoHandler{tool: opts.Createrepo}, nil
}

func (h *createrepoHandler) Handle(ectx *dag.ExecutionContext) error {
	packages, err := ectx.DependencyArtifacts(workflow.ArtifactBinaryPackage)
	if err != nil {
		return err
	}

	repo, err := ectx.AddArtifact(workflow.ArtifactRepository, "repo")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(repo, 0o755); err != nil {
		return err
	}
	seen := make(map[string]string, len(packages))
	for _, p := range packages {
		name := filepath.Base(p)
		if prev, dup := seen[name]; dup {
			ectx.Error(fmt.Sprintf("package %s provided by both %s and %s", name, prev, p))
			return nil
		}
		seen[name] = p
		if err := linkOrCopy(p, filepath.Join(repo, name)); err != nil {
			return fmt.Errorf("add %s to repository: %w", name, err)
		}
	}

	logPath, err := ectx.AddArtifact(workflow.ArtifactLog, "createrepo.log")
	if err != nil {
		return err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	err = run(ectx, execSpec{
		argv:   []string{h.tool, repo},
		dir:    ectx.WorkDir(),
		env:    os.Environ(),
		output: logFile,
		wrap:   true,
	})
	if err != nil {
		report(ectx, h.tool, err)
		return nil
	}
	ectx.Success(fmt.Sprintf("repository with %d package(s)", len(packages)))
	return nil
}

// linkOrCopy hard-links src (after resolving symlinks) to dst, copying when
// the two are on different filesystems.
func linkOrCopy(src, dst string) error {
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}
	if err := os.Link(resolved, dst); err == nil {
		return nil
	}

	in, err := os.Open(resolved)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
