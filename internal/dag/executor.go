package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/remote"
	"github.com/maxkimambo/chainbuild/internal/throttle"
	"github.com/maxkimambo/chainbuild/internal/utils"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// ExecutorConfig contains the collaborators of a run
type ExecutorConfig struct {
	// Cache maps tasks to result and scratch directories (required)
	Cache *cache.Manager

	// Throttle limits concurrency per handler key; nil means unthrottled
	Throttle *throttle.Throttle

	// Registry resolves handler keys to factories (required)
	Registry Registry

	// Remote wraps handler commands; nil means local execution
	Remote remote.Executor

	// Listeners observe the run in registration order
	Listeners []Listener

	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// ExecutionResult contains the results of a run
type ExecutionResult struct {
	// Success is true when no task was left unstarted or in flight
	Success bool

	// Workflow is the final snapshot
	Workflow *workflow.Workflow

	// Executed, Reused and Failed count results by how they were obtained
	Executed int
	Reused   int
	Failed   int

	// Blocked lists tasks that never started because a dependency did not succeed
	Blocked []string

	// ExecutionTime is the total time taken for the run
	ExecutionTime time.Duration
}

// Progress is a point-in-time view of the scheduler sets.
type Progress struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Reused    int
	Elapsed   time.Duration
	// RunningTasks lists in-flight tasks by handler key
	RunningTasks map[string][]string
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventFinished
)

type event struct {
	kind   eventKind
	task   workflow.Task
	result workflow.Result
	reused bool
}

// Executor schedules the tasks of one workflow. All scheduler state is
// guarded by mu; task bodies run without it.
type Executor struct {
	rt        *runtime
	listeners []Listener

	mu        sync.Mutex
	wf        *workflow.Workflow
	pending   []workflow.Task
	running   map[string]workflow.Task
	succeeded map[string]workflow.Result
	failed    map[string]workflow.Result
	executed  int
	reused    int
	startTime time.Time

	events chan event
	ran    bool
}

// NewExecutor validates the graph and the handler keys. Both are fatal
// configuration errors. Results already present in wf are not used; stamped
// result directories are what a resumed run reuses.
func NewExecutor(wf *workflow.Workflow, config ExecutorConfig) (*Executor, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("executor requires a cache manager")
	}
	if _, err := workflow.Validate(wf.Tasks); err != nil {
		return nil, err
	}
	if err := config.Registry.Validate(wf.Tasks); err != nil {
		return nil, err
	}

	rt := &runtime{
		cache:    config.Cache,
		throttle: config.Throttle,
		registry: config.Registry,
		remote:   config.Remote,
		now:      config.Now,
	}
	if rt.throttle == nil {
		rt.throttle = throttle.Unlimited()
	}
	if rt.remote == nil {
		rt.remote = remote.Local{}
	}
	if rt.now == nil {
		rt.now = time.Now
	}

	fresh := workflow.New(wf.Tasks)
	pending := make([]workflow.Task, len(fresh.Tasks))
	copy(pending, fresh.Tasks)

	return &Executor{
		rt:        rt,
		listeners: config.Listeners,
		wf:        fresh,
		pending:   pending,
		running:   make(map[string]workflow.Task),
		succeeded: make(map[string]workflow.Result),
		failed:    make(map[string]workflow.Result),
		events:    make(chan event, 2*len(fresh.Tasks)+1),
	}, nil
}

// Run drives the graph until nothing is ready and nothing is in flight.
// Task problems become results; Run only returns an error when the run was
// interrupted or a background listener failed (persistence I/O).
func (e *Executor) Run(ctx context.Context) (*ExecutionResult, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor already ran")
	}
	e.ran = true
	e.startTime = e.rt.now()
	total := len(e.wf.Tasks)
	e.mu.Unlock()

	logger.User.Startingf("Running %s", utils.Plural(total, "task"))

	interrupted := false
	for {
		e.mu.Lock()
		// A completion can win the select against ctx.Done; check before spawning.
		if !interrupted && ctx.Err() != nil {
			interrupted = true
			logger.User.Warnf("Interrupted, waiting for %s in flight", utils.Plural(len(e.running), "task"))
		}
		if !interrupted {
			e.spawnReady(ctx)
		}
		inFlight := len(e.running)
		e.mu.Unlock()

		if inFlight == 0 {
			break
		}

		if interrupted {
			e.handle(<-e.events)
			continue
		}
		select {
		case ev := <-e.events:
			e.handle(ev)
		case <-ctx.Done():
		}
	}

	result := e.finish(interrupted)
	joinErr := joinAll(e.listeners)

	e.logSummary(result)

	if interrupted {
		return result, fmt.Errorf("%w: %v", errors.ErrInterrupted, ctx.Err())
	}
	if joinErr != nil {
		return result, joinErr
	}
	return result, nil
}

// spawnReady starts every pending task whose dependencies all succeeded, in
// declaration order. Callers hold mu.
func (e *Executor) spawnReady(ctx context.Context) {
	remaining := e.pending[:0]
	for _, task := range e.pending {
		deps, ready := e.readyDeps(task)
		if !ready {
			remaining = append(remaining, task)
			continue
		}
		e.running[task.ID] = task
		metrics.TasksInFlight.Inc()
		go e.runTask(ctx, task, deps)
	}
	// Zero the tail so dropped tasks are not retained by the backing array.
	for i := len(remaining); i < len(e.pending); i++ {
		e.pending[i] = workflow.Task{}
	}
	e.pending = remaining
}

// readyDeps returns the dependency results in declaration order when every
// dependency succeeded. Callers hold mu.
func (e *Executor) readyDeps(task workflow.Task) ([]workflow.Result, bool) {
	deps := make([]workflow.Result, 0, len(task.Dependencies))
	for _, id := range task.Dependencies {
		r, ok := e.succeeded[id]
		if !ok {
			return nil, false
		}
		deps = append(deps, r)
	}
	return deps, true
}

func (e *Executor) runTask(ctx context.Context, task workflow.Task, deps []workflow.Result) {
	te := newTaskExecution(task, deps, e.rt)
	result, reused := te.Run(ctx, func() {
		e.events <- event{kind: eventStarted, task: task}
	})
	e.events <- event{kind: eventFinished, task: task, result: result, reused: reused}
}

// handle records an event under mu and notifies listeners outside it.
func (e *Executor) handle(ev event) {
	if ev.kind == eventStarted {
		logger.User.Startingf("%s (%s)", ev.task.ID, ev.task.Handler)
		for _, l := range e.listeners {
			l.TaskStarted(ev.task)
		}
		return
	}

	e.mu.Lock()
	delete(e.running, ev.task.ID)
	metrics.TasksInFlight.Dec()
	e.wf.AppendResult(ev.result)
	if ev.result.Outcome == workflow.OutcomeSuccess {
		e.succeeded[ev.task.ID] = ev.result
	} else {
		e.failed[ev.task.ID] = ev.result
	}
	if ev.reused {
		e.reused++
	} else {
		e.executed++
	}
	snapshot := e.wf.Snapshot()
	e.mu.Unlock()

	r := ev.result
	switch {
	case ev.reused:
		logger.User.Reusedf("%s reused %s", ev.task.ID, utils.ShortID(r.ID))
		for _, l := range e.listeners {
			l.TaskReused(ev.task, r, snapshot)
		}
	case r.Outcome == workflow.OutcomeSuccess:
		logger.User.Successf("%s finished in %s", ev.task.ID, r.Duration().Round(time.Millisecond))
		for _, l := range e.listeners {
			l.TaskSucceeded(ev.task, r, snapshot)
		}
	default:
		logger.User.Failedf("%s %s: %s", ev.task.ID, r.Outcome, r.OutcomeReason)
		for _, l := range e.listeners {
			l.TaskFailed(ev.task, r, snapshot)
		}
	}
}

// finish computes the verdict and emits the terminal event.
func (e *Executor) finish(interrupted bool) *ExecutionResult {
	e.mu.Lock()
	success := !interrupted && len(e.pending) == 0 && len(e.running) == 0
	blocked := make([]string, 0, len(e.pending))
	for _, t := range e.pending {
		blocked = append(blocked, t.ID)
	}
	result := &ExecutionResult{
		Success:       success,
		Workflow:      e.wf.Snapshot(),
		Executed:      e.executed,
		Reused:        e.reused,
		Failed:        len(e.failed),
		Blocked:       blocked,
		ExecutionTime: e.rt.now().Sub(e.startTime),
	}
	e.mu.Unlock()

	for _, l := range e.listeners {
		if success {
			l.WorkflowSucceeded(result.Workflow.Snapshot())
		} else {
			l.WorkflowFailed(result.Workflow.Snapshot())
		}
	}
	return result
}

// Progress returns the current scheduler counts. Safe to call from any goroutine.
func (e *Executor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	running := make(map[string][]string)
	for _, t := range e.wf.Tasks {
		if _, ok := e.running[t.ID]; ok {
			running[t.Handler] = append(running[t.Handler], t.ID)
		}
	}
	var elapsed time.Duration
	if !e.startTime.IsZero() {
		elapsed = e.rt.now().Sub(e.startTime)
	}
	return Progress{
		Total:        len(e.wf.Tasks),
		Pending:      len(e.pending),
		Running:      len(e.running),
		Succeeded:    len(e.succeeded),
		Failed:       len(e.failed),
		Reused:       e.reused,
		Elapsed:      elapsed,
		RunningTasks: running,
	}
}

// Tasks returns the task list of the run.
func (e *Executor) Tasks() []workflow.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]workflow.Task, len(e.wf.Tasks))
	copy(out, e.wf.Tasks)
	return out
}

func (e *Executor) logSummary(r *ExecutionResult) {
	elapsed := r.ExecutionTime.Round(time.Second)
	if r.Success && r.Failed == 0 {
		logger.User.Successf("Run completed: %d executed, %d reused in %v", r.Executed, r.Reused, elapsed)
		return
	}
	if r.Success {
		logger.User.Warnf("Run completed: %d executed, %d reused, %d failed with no dependents in %v",
			r.Executed, r.Reused, r.Failed, elapsed)
		return
	}
	logger.User.Errorf("Run failed: %d executed, %d reused, %d failed, %d blocked in %v",
		r.Executed, r.Reused, r.Failed, len(r.Blocked), elapsed)
}
