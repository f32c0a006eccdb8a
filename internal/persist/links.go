package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// LatestLinker points <results>/<task>/latest at the newest successful result
// directory of every task. Link failures are logged and otherwise ignored.
type LatestLinker struct {
	dag.NopListener
	cache *cache.Manager
}

func NewLatestLinker(c *cache.Manager) *LatestLinker {
	return &LatestLinker{cache: c}
}

func (l *LatestLinker) TaskSucceeded(task workflow.Task, result workflow.Result, _ *workflow.Workflow) {
	l.update(task, result)
}

func (l *LatestLinker) TaskReused(task workflow.Task, result workflow.Result, _ *workflow.Workflow) {
	l.update(task, result)
}

func (l *LatestLinker) update(task workflow.Task, result workflow.Result) {
	if err := l.Link(task.ID, result.ID); err != nil {
		logger.Op.WithTask(task.ID, task.Handler).WithError(err).Warn("Failed to update latest link")
	}
}

// Link replaces the latest link of taskID with one to the fingerprint
// directory. The link target is relative so result trees can be moved.
func (l *LatestLinker) Link(taskID, fingerprint string) error {
	link := l.cache.LatestLink(taskID)
	tmp := filepath.Join(filepath.Dir(link), fmt.Sprintf(".latest-%s", uuid.NewString()))
	if err := os.Symlink(fingerprint, tmp); err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace link: %w", err)
	}
	return nil
}
