package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/spf13/cobra"
)

var statusFollow bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the results recorded in a workflow document",
	Long: `Show one row per task of a workflow document with its outcome.

With --follow the table is printed again every time a running chainbuild
replaces the document, until no task without a result can still start.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "Workflow document to inspect")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Keep printing as the document changes")
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.Workspace.WorkflowFile
	out := cmd.OutOrStdout()

	wf, err := printStatus(out, path)
	if err != nil {
		return err
	}
	if !statusFollow || wf.Settled() {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followStatus(ctx, out, path)
}

func printStatus(out io.Writer, path string) (*workflow.Workflow, error) {
	wf, err := workflow.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(out, statusTable(wf))
	fmt.Fprintln(out, statusCounts(wf))
	return wf, nil
}

// followStatus watches the parent directory, since an atomic replace swaps
// the inode a watch on the file itself would follow.
func followStatus(ctx context.Context, out io.Writer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Op.WithFields(map[string]interface{}{"error": err.Error()}).Warn("File watch error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			wf, err := printStatus(out, abs)
			if err != nil {
				// The document may be mid-replace on filesystems without atomic rename.
				logger.Op.WithFields(map[string]interface{}{"error": err.Error()}).Debug("Skipping unreadable document")
				continue
			}
			if wf.Settled() {
				return nil
			}
		}
	}
}
