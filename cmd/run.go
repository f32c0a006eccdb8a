package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/handlers"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/notify"
	"github.com/maxkimambo/chainbuild/internal/persist"
	"github.com/maxkimambo/chainbuild/internal/progress"
	"github.com/maxkimambo/chainbuild/internal/throttle"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/spf13/cobra"
)

var (
	runOutput string
	runStrict bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow document",
	Long: `Run every task of a workflow document.

The document is rewritten after every task result. Results from a previous
run are not trusted; tasks whose stamped result directory is still valid are
reused instead of executed again.

The run fails when a task could not be started because a dependency did not
succeed. With --strict it also fails when any task result is not SUCCESS.

EXAMPLES:
# Run a chain with the default workspace
chainbuild run --workflow chain.json

# Write progress to a separate document and use a shared cache
chainbuild run -w chain.json --output /srv/runs/42.json --cache-dir /srv/cache`,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "Workflow document to run")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Where to write the workflow document (default: the input document)")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "Exit non-zero when any task fails")
	runCmd.Flags().String("result-dir", "", "Root of stamped result directories")
	runCmd.Flags().String("work-dir", "", "Root of per-task scratch directories")
	runCmd.Flags().String("cache-dir", "", "Root of the shared checkout and download caches")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Log.File != "" {
		logger.SetupFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		defer logger.Close()
	}

	input := cfg.Workspace.WorkflowFile
	output := runOutput
	if output == "" {
		output = input
	}

	wf, err := workflow.ReadFile(input)
	if err != nil {
		return err
	}
	if len(wf.Results) > 0 {
		logger.User.Cleanupf("Discarding %d results from the previous run; stamped results will be reused", len(wf.Results))
		wf.Discard()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := cache.NewManager(cfg.Workspace.ResultDir, cfg.Workspace.WorkDir, cfg.Workspace.CacheDir)
	if err != nil {
		return err
	}
	th, err := throttle.New(cfg.Throttle)
	if err != nil {
		return err
	}
	rem, closeRemote, err := buildRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRemote()

	writer := persist.NewIncrementalWriter(output)
	listeners := []dag.Listener{writer, persist.NewLatestLinker(c)}
	if cfg.Notify.URL != "" {
		listeners = append(listeners, notify.New(cfg.Notify.URL, cfg.Notify.Token, cfg.Notify.MinInterval, nil))
	}

	ex, err := dag.NewExecutor(wf, dag.ExecutorConfig{
		Cache:     c,
		Throttle:  th,
		Registry:  handlers.NewRegistry(handlerOptions(cfg)),
		Remote:    rem,
		Listeners: listeners,
	})
	if err != nil {
		abandon(listeners)
		return err
	}

	if cfg.Metrics.Addr != "" {
		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr); err != nil {
				logger.Op.WithFields(map[string]interface{}{"error": err.Error()}).Warn("Metrics server stopped")
			}
		}()
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	if cfg.Progress.Interval > 0 {
		go progress.Watch(progressCtx, cfg.Progress.Interval, ex.Progress)
	}
	result, runErr := ex.Run(ctx)
	stopProgress()

	if result != nil {
		if err := workflow.WriteFile(output, result.Workflow); err != nil {
			return errors.NewPersistenceError(output, err)
		}
		if runErr != nil && !errors.Is(runErr, errors.ErrInterrupted) {
			logger.Op.WithFields(map[string]interface{}{"error": runErr.Error()}).Warn("Incremental persistence failed, final document written")
			runErr = nil
		}
	}
	if result != nil && !quiet {
		fmt.Fprintln(cmd.OutOrStdout(), summaryBox(result, output, runStrict))
	}
	if runErr != nil {
		return runErr
	}
	if !result.Success || (runStrict && result.Failed > 0) {
		return errRunFailed
	}
	return nil
}

// abandon stops background listeners of an executor that never ran.
func abandon(listeners []dag.Listener) {
	for _, l := range listeners {
		if a, ok := l.(interface{ Abandon() }); ok {
			a.Abandon()
		}
		if j, ok := l.(dag.Joiner); ok {
			_ = j.Join()
		}
	}
}
