package handlers

import (
	"fmt"
	"os"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/utils"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// checkoutHandler materialises one commit of a git repository in the shared
// checkout cache and links it into the result directory.
type checkoutHandler struct {
	url    string
	commit string
	opts   Options
}

func newCheckout(task workflow.Task, opts Options) (dag.Handler, error) {
	url, ok := task.Parameter("url")
	if !ok || url == "" {
		return nil, fmt.Errorf("missing parameter url")
	}
	commit, ok := task.Parameter("commit")
	if !ok || commit == "" {
		return nil, fmt.Errorf("missing parameter commit")
	}
	return &checkoutHandler{url: url, commit: commit, opts: opts}, nil
}

func (h *checkoutHandler) Handle(ectx *dag.ExecutionContext) error {
	dir, created, err := ectx.Cache().PopulateCheckout(h.commit, h.fetch(ectx))
	if err != nil {
		ectx.Error(fmt.Sprintf("checkout %s: %v", utils.ShortID(h.commit), err))
		return nil
	}

	path, err := ectx.AddArtifact(workflow.ArtifactCheckout, "checkout")
	if err != nil {
		return err
	}
	if err := os.Symlink(dir, path); err != nil {
		return fmt.Errorf("link checkout: %w", err)
	}

	if created {
		ectx.Success(fmt.Sprintf("fetched %s", utils.ShortID(h.commit)))
	} else {
		ectx.Success(fmt.Sprintf("reused checkout of %s", utils.ShortID(h.commit)))
	}
	return nil
}

func (h *checkoutHandler) fetch(ectx *dag.ExecutionContext) func(staging string) error {
	return func(staging string) error {
		git := h.opts.Git
		steps := [][]string{
			{git, "init", "--quiet"},
			{git, "fetch", "--quiet", "--depth", "1", h.url, h.commit},
			{git, "-c", "advice.detachedHead=false", "checkout", "--quiet", "FETCH_HEAD"},
		}
		for _, argv := range steps {
			if err := runCaptured(ectx, 0, staging, argv...); err != nil {
				return err
			}
		}
		return nil
	}
}
