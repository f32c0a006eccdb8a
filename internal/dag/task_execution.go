package dag

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/fingerprint"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/remote"
	"github.com/maxkimambo/chainbuild/internal/throttle"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// State is the lifecycle position of one TaskExecution.
type State int

const (
	StatePending State = iota
	StateCacheCheck
	StateReused
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCacheCheck:
		return "cache-check"
	case StateReused:
		return "reused"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// runtime bundles the collaborators every TaskExecution of a run shares.
type runtime struct {
	cache    *cache.Manager
	throttle *throttle.Throttle
	registry Registry
	remote   remote.Executor
	now      func() time.Time
}

// TaskExecution drives one task from cache check to a recorded Result.
type TaskExecution struct {
	task  workflow.Task
	deps  []workflow.Result
	rt    *runtime
	state State
}

func newTaskExecution(task workflow.Task, deps []workflow.Result, rt *runtime) *TaskExecution {
	return &TaskExecution{task: task, deps: deps, rt: rt, state: StatePending}
}

// State is only meaningful to the goroutine running the execution.
func (te *TaskExecution) State() State { return te.state }

// Run resolves the task to a Result. reused reports a cache hit. started is
// called once, just before the handler is invoked, and never on a cache hit.
// Run never returns an error: every problem becomes an ERROR result.
func (te *TaskExecution) Run(ctx context.Context, started func()) (result workflow.Result, reused bool) {
	te.state = StateCacheCheck
	fp := fingerprint.Compute(te.task, te.deps)
	log := logger.Op.WithTask(te.task.ID, te.task.Handler).WithField("fingerprint", fp)

	if cached, ok := te.cached(fp); ok {
		te.state = StateReused
		metrics.TasksReused.WithLabelValues(te.task.Handler).Inc()
		log.Debug("Reusing stamped result")
		return cached, true
	}

	te.state = StateRunning
	te.rt.throttle.Acquire(te.task)
	defer te.rt.throttle.Release(te.task)

	result = te.execute(ctx, fp, started)
	te.state = StateFinished

	metrics.TasksTotal.WithLabelValues(te.task.Handler, string(result.Outcome)).Inc()
	metrics.TaskDuration.WithLabelValues(te.task.Handler).Observe(result.Duration().Seconds())
	log.WithField("outcome", result.Outcome).Debug("Task finished")
	return result, false
}

// cached applies the cache hit rule: a stamp exists and every dependency
// finished no later than the stamped result started. The rule compares
// timestamps only, not dependency result ids.
// TODO: also compare dependency result ids once stamps record them.
func (te *TaskExecution) cached(fp string) (workflow.Result, bool) {
	if !te.rt.cache.IsStamped(te.task.ID, fp) {
		return workflow.Result{}, false
	}
	cached, err := te.rt.cache.LoadResult(te.task.ID, fp)
	if err != nil {
		logger.Op.WithTask(te.task.ID, te.task.Handler).WithError(err).Warn("Ignoring unreadable stamped result")
		return workflow.Result{}, false
	}
	for _, dep := range te.deps {
		if dep.TimeFinished.After(cached.TimeStarted) {
			return workflow.Result{}, false
		}
	}
	return cached, true
}

func (te *TaskExecution) execute(ctx context.Context, fp string, started func()) workflow.Result {
	result := workflow.Result{ID: fp, TaskID: te.task.ID}
	fail := func(reason string) workflow.Result {
		if result.TimeStarted.IsZero() {
			result.TimeStarted = te.rt.now()
		}
		result.TimeFinished = te.rt.now()
		result.Outcome = workflow.OutcomeError
		result.OutcomeReason = reason
		return result
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Sprintf("run interrupted before start: %v", err))
	}

	resultDir, err := te.rt.cache.CreateResultDir(te.task.ID, fp)
	if err != nil {
		return fail(fmt.Sprintf("create result directory: %v", err))
	}
	workDir, err := te.rt.cache.CreateWorkDir(te.task.ID, fp)
	if err != nil {
		return fail(fmt.Sprintf("create scratch directory: %v", err))
	}
	defer func() {
		if err := te.rt.cache.RemoveWorkDir(workDir); err != nil {
			logger.Op.WithTask(te.task.ID, te.task.Handler).WithError(err).Warn("Failed to remove scratch directory")
		}
	}()

	factory, ok := te.rt.registry.Lookup(te.task.Handler)
	if !ok {
		return fail(fmt.Sprintf("no handler registered for %q", te.task.Handler))
	}
	handler, err := factory(te.task)
	if err != nil {
		return fail(fmt.Sprintf("invalid task: %v", err))
	}

	ectx := &ExecutionContext{
		ctx:         ctx,
		task:        te.task,
		fingerprint: fp,
		workDir:     workDir,
		resultDir:   resultDir,
		deps:        te.deps,
		cache:       te.rt.cache,
		remote:      te.rt.remote,
		log:         logger.Op.WithTask(te.task.ID, te.task.Handler).WithField("fingerprint", fp),
		names:       map[string]bool{},
	}

	if started != nil {
		started()
	}
	result.TimeStarted = te.rt.now()
	handlerErr := invoke(handler, ectx)
	result.TimeFinished = te.rt.now()

	result.Outcome, result.OutcomeReason = ectx.verdict(handlerErr)
	result.Artifacts = ectx.declared()

	if result.Outcome == workflow.OutcomeSuccess {
		if err := te.rt.cache.Stamp(result); err != nil {
			result.Outcome = workflow.OutcomeError
			result.OutcomeReason = fmt.Sprintf("stamp result: %v", err)
		}
	}
	return result
}

// invoke calls the handler, converting a panic into an error.
func invoke(h Handler, ectx *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ectx.Log().WithField("stack", string(debug.Stack())).Error("Handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ectx)
}
