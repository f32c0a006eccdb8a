package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxkimambo/chainbuild/internal/config"
	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/handlers"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/remote"
	"github.com/maxkimambo/chainbuild/internal/utils"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/spf13/cobra"
)

// errRunFailed is returned when the run verdict is FAILURE. The summary has
// already been printed, so Execute does not print it again.
var errRunFailed = stderrors.New("workflow run failed")

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"workflow":   &cfg.Workspace.WorkflowFile,
		"result-dir": &cfg.Workspace.ResultDir,
		"work-dir":   &cfg.Workspace.WorkDir,
		"cache-dir":  &cfg.Workspace.CacheDir,
	}
	for name, target := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*target = f.Value.String()
		}
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	if cfg.Workspace.WorkflowFile == "" {
		return nil, errors.NewInputError("--workflow", "A workflow document is required").
			WithTroubleshooting(
				"Pass the document with --workflow FILE",
				"Or set workspace.workflowFile in the configuration file",
				"Or set CHAINBUILD_WORKFLOW",
			)
	}
	logger.Op.WithFields(map[string]interface{}{
		"workflow":   cfg.Workspace.WorkflowFile,
		"result_dir": cfg.Workspace.ResultDir,
		"work_dir":   cfg.Workspace.WorkDir,
		"cache_dir":  cfg.Workspace.CacheDir,
		"backend":    cfg.Remote.Backend,
	}).Debug("Configuration loaded")
	return cfg, nil
}

func handlerOptions(cfg *config.Config) handlers.Options {
	return handlers.Options{
		Git:             cfg.Handlers.Git,
		Createrepo:      cfg.Handlers.Createrepo,
		BuildTimeout:    cfg.Handlers.BuildTimeout,
		DownloadTimeout: cfg.Handlers.DownloadTimeout,
	}
}

// buildRemote selects the remote execution strategy. The returned close
// function releases API clients.
func buildRemote(ctx context.Context, cfg *config.Config) (remote.Executor, func(), error) {
	if cfg.Remote.Backend != "gce" {
		if len(cfg.Remote.Limits) == 0 {
			return remote.Local{}, func() {}, nil
		}
		return remote.Limited{Limits: cfg.Remote.Limits}, func() {}, nil
	}

	project := cfg.Remote.GCE.Project
	if project == "" {
		p, err := remote.DefaultProject(ctx)
		if err != nil {
			return nil, nil, errors.NewWorkflowError(errors.ErrorCategoryRemote, errors.CodeRemoteClient,
				"No Compute Engine project configured", "Remote executor setup").
				WithOriginalError(err).
				WithTroubleshooting("Set remote.gce.project or CHAINBUILD_GCE_PROJECT")
		}
		project = p
	}

	client, err := remote.NewInstancesClient(ctx, cfg.Remote.GCE.CredentialsFile)
	if err != nil {
		return nil, nil, errors.NewWorkflowError(errors.ErrorCategoryRemote, errors.CodeRemoteClient,
			"Failed to create Compute Engine client", "Remote executor setup").
			WithOriginalError(err).
			WithTroubleshooting(
				"Run 'gcloud auth application-default login'",
				"Or set remote.gce.credentialsFile to a service account key",
			)
	}
	g := &remote.GCE{
		Project:   project,
		Zone:      cfg.Remote.GCE.Zone,
		Instances: cfg.Remote.GCE.Instances,
		Default:   cfg.Remote.GCE.DefaultInstance,
		SSHFlags:  cfg.Remote.GCE.SSHFlags,
		Client:    client,
	}
	closeFn := func() {
		if err := g.Close(); err != nil {
			logger.Op.WithFields(map[string]interface{}{"error": err.Error()}).Warn("Failed to close Compute Engine client")
		}
	}
	logger.User.Starting("Checking remote build hosts...")
	if err := g.Preflight(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return g, closeFn, nil
}

// summaryBox renders the outcome of a run.
func summaryBox(r *dag.ExecutionResult, document string, strict bool) string {
	kind := utils.SuccessBox
	title := "Workflow completed"
	switch {
	case !r.Success:
		kind, title = utils.ErrorBox, "Workflow failed"
	case r.Failed > 0 && strict:
		kind, title = utils.ErrorBox, "Workflow completed with failed tasks"
	case r.Failed > 0:
		kind, title = utils.WarningBox, "Workflow completed with failed tasks"
	}

	box := utils.NewBox(kind, title).
		AddKeyValue("Tasks", 8, len(r.Workflow.Tasks)).
		AddKeyValue("Executed", 8, r.Executed).
		AddKeyValue("Reused", 8, r.Reused).
		AddKeyValue("Failed", 8, r.Failed)
	if len(r.Blocked) > 0 {
		box.AddKeyValue("Blocked", 8, strings.Join(r.Blocked, ", "))
	}
	box.AddKeyValue("Duration", 8, r.ExecutionTime.Round(time.Millisecond)).
		AddKeyValue("Document", 8, document)

	for _, res := range r.Workflow.Results {
		if res.Outcome != workflow.OutcomeSuccess {
			box.AddBullet(fmt.Sprintf("%s %s: %s", res.TaskID, res.Outcome, res.OutcomeReason))
		}
	}
	return box.Render()
}

// statusTable renders one row per task in declaration order.
func statusTable(wf *workflow.Workflow) string {
	tbl := utils.NewTable("TASK", "HANDLER", "OUTCOME", "DURATION", "RESULT", "REASON")
	for _, t := range wf.Tasks {
		r, ok := wf.ResultFor(t.ID)
		if !ok {
			tbl.AddRow(t.ID, t.Handler, "PENDING")
			continue
		}
		tbl.AddRow(t.ID, t.Handler, string(r.Outcome),
			r.Duration().Round(time.Millisecond).String(), utils.ShortID(r.ID), r.OutcomeReason)
	}
	return tbl.String()
}

// statusCounts summarises outcomes on one line.
func statusCounts(wf *workflow.Workflow) string {
	counts := wf.Counts()
	pending := len(wf.Tasks) - len(wf.Results)
	return fmt.Sprintf("%d succeeded, %d failed, %d errored, %d without result",
		counts[workflow.OutcomeSuccess], counts[workflow.OutcomeFailure], counts[workflow.OutcomeError], pending)
}
