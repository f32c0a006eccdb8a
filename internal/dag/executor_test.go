package dag

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/remote"
	"github.com/maxkimambo/chainbuild/internal/throttle"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Setup(false, false, true)
}

func newCache(t *testing.T) *cache.Manager {
	t.Helper()
	root := t.TempDir()
	m, err := cache.NewManager(filepath.Join(root, "results"), filepath.Join(root, "work"), filepath.Join(root, "cache"))
	require.NoError(t, err)
	return m
}

// counting returns a factory whose handlers run fn and count invocations per task.
func counting(calls *sync.Map, fn func(ctx *ExecutionContext) error) Factory {
	return func(task workflow.Task) (Handler, error) {
		return HandlerFunc(func(ctx *ExecutionContext) error {
			v, _ := calls.LoadOrStore(task.ID, new(int32))
			atomic.AddInt32(v.(*int32), 1)
			return fn(ctx)
		}), nil
	}
}

func callCount(calls *sync.Map, id string) int32 {
	v, ok := calls.Load(id)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

func succeed(ctx *ExecutionContext) error {
	ctx.Success("done")
	return nil
}

func run(t *testing.T, c *cache.Manager, tasks []workflow.Task, reg Registry, opts ...func(*ExecutorConfig)) (*ExecutionResult, error) {
	t.Helper()
	cfg := ExecutorConfig{Cache: c, Registry: reg}
	for _, o := range opts {
		o(&cfg)
	}
	ex, err := NewExecutor(workflow.New(tasks), cfg)
	require.NoError(t, err)
	return ex.Run(context.Background())
}

// recorder captures listener events as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	joined bool
	err    error
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) TaskStarted(t workflow.Task) { r.add("started " + t.ID) }
func (r *recorder) TaskSucceeded(t workflow.Task, _ workflow.Result, s *workflow.Workflow) {
	r.add(fmt.Sprintf("succeeded %s %d", t.ID, len(s.Results)))
}
func (r *recorder) TaskFailed(t workflow.Task, res workflow.Result, _ *workflow.Workflow) {
	r.add(fmt.Sprintf("failed %s %s", t.ID, res.Outcome))
}
func (r *recorder) TaskReused(t workflow.Task, _ workflow.Result, _ *workflow.Workflow) {
	r.add("reused " + t.ID)
}
func (r *recorder) WorkflowSucceeded(*workflow.Workflow) { r.add("workflow succeeded") }
func (r *recorder) WorkflowFailed(*workflow.Workflow)    { r.add("workflow failed") }
func (r *recorder) Join() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = true
	return r.err
}

func diamond() []workflow.Task {
	return []workflow.Task{
		{ID: "src", Handler: "ok"},
		{ID: "left", Handler: "ok", Dependencies: []string{"src"}},
		{ID: "right", Handler: "ok", Dependencies: []string{"src"}},
		{ID: "join", Handler: "ok", Dependencies: []string{"left", "right"}},
		{ID: "lonely", Handler: "ok"},
	}
}

func TestExecutor_AllTasksSucceed(t *testing.T) {
	var calls sync.Map
	res, err := run(t, newCache(t), diamond(), Registry{"ok": counting(&calls, succeed)})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Workflow.IsComplete())
	assert.Len(t, res.Workflow.Results, 5)
	assert.Equal(t, 5, res.Executed)
	assert.Equal(t, 0, res.Reused)
	assert.Empty(t, res.Blocked)
	for _, r := range res.Workflow.Results {
		assert.Equal(t, workflow.OutcomeSuccess, r.Outcome)
		assert.Equal(t, int32(1), callCount(&calls, r.TaskID))
	}
}

func TestExecutor_ResultsFollowDependencies(t *testing.T) {
	res, err := run(t, newCache(t), diamond(), Registry{"ok": counting(&sync.Map{}, succeed)})
	require.NoError(t, err)

	pos := map[string]int{}
	for i, r := range res.Workflow.Results {
		pos[r.TaskID] = i
	}
	assert.Less(t, pos["src"], pos["left"])
	assert.Less(t, pos["src"], pos["right"])
	assert.Less(t, pos["left"], pos["join"])
	assert.Less(t, pos["right"], pos["join"])
}

func TestExecutor_FailureBlocksDependents(t *testing.T) {
	var calls sync.Map
	reg := Registry{
		"ok": counting(&calls, succeed),
		"bad": counting(&calls, func(ctx *ExecutionContext) error {
			ctx.Failure("exit status 2")
			return nil
		}),
	}
	tasks := []workflow.Task{
		{ID: "a", Handler: "bad"},
		{ID: "b", Handler: "ok", Dependencies: []string{"a"}},
		{ID: "c", Handler: "ok", Dependencies: []string{"b"}},
	}

	res, err := run(t, newCache(t), tasks, reg)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, []string{"b", "c"}, res.Blocked)
	assert.Equal(t, int32(0), callCount(&calls, "b"))
	require.Len(t, res.Workflow.Results, 1)
	assert.Equal(t, workflow.OutcomeFailure, res.Workflow.Results[0].Outcome)
	assert.Equal(t, "exit status 2", res.Workflow.Results[0].OutcomeReason)
}

func TestExecutor_FailedLeafKeepsVerdict(t *testing.T) {
	reg := Registry{
		"ok":  counting(&sync.Map{}, succeed),
		"bad": counting(&sync.Map{}, func(ctx *ExecutionContext) error { ctx.Error("boom"); return nil }),
	}
	res, err := run(t, newCache(t), []workflow.Task{{ID: "a", Handler: "ok"}, {ID: "leaf", Handler: "bad"}}, reg)
	require.NoError(t, err)
	assert.True(t, res.Success, "nothing is left pending or in flight")
	assert.Equal(t, 1, res.Failed)
}

func TestExecutor_FailSlow(t *testing.T) {
	aFailed := make(chan struct{})
	reg := Registry{
		"fast-fail": func(workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				ctx.Failure("broken")
				close(aFailed)
				return nil
			}), nil
		},
		"slow": func(workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				<-aFailed
				time.Sleep(20 * time.Millisecond)
				ctx.Success("finished after sibling failure")
				return nil
			}), nil
		},
	}
	tasks := []workflow.Task{{ID: "a", Handler: "fast-fail"}, {ID: "c", Handler: "slow"}}

	res, err := run(t, newCache(t), tasks, reg)
	require.NoError(t, err)

	c, ok := res.Workflow.ResultFor("c")
	require.True(t, ok)
	assert.Equal(t, workflow.OutcomeSuccess, c.Outcome)
	assert.Len(t, res.Workflow.Results, 2)
}

func TestExecutor_ThrottleBound(t *testing.T) {
	const capacity = 2
	th, err := throttle.New(map[string]int64{"build": capacity})
	require.NoError(t, err)

	var current, peak int32
	reg := Registry{"build": func(workflow.Task) (Handler, error) {
		return HandlerFunc(func(ctx *ExecutionContext) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			ctx.Success("")
			return nil
		}), nil
	}}

	var tasks []workflow.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, workflow.Task{ID: fmt.Sprintf("b%d", i), Handler: "build",
			Parameters: []workflow.Parameter{{Name: "n", Value: fmt.Sprint(i)}}})
	}

	res, err := run(t, newCache(t), tasks, reg, func(c *ExecutorConfig) { c.Throttle = th })
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(capacity))
	assert.Equal(t, int64(0), th.InUse("build"))
}

func TestExecutor_CacheReuseAcrossRuns(t *testing.T) {
	c := newCache(t)
	var calls sync.Map
	reg := Registry{"ok": counting(&calls, succeed)}

	first, err := run(t, c, diamond(), reg)
	require.NoError(t, err)

	rec := &recorder{}
	second, err := run(t, c, diamond(), reg, func(cfg *ExecutorConfig) { cfg.Listeners = []Listener{rec} })
	require.NoError(t, err)

	assert.Equal(t, 5, second.Reused)
	assert.Equal(t, 0, second.Executed)
	for _, id := range []string{"src", "left", "right", "join", "lonely"} {
		assert.Equal(t, int32(1), callCount(&calls, id), id)
		a, _ := first.Workflow.ResultFor(id)
		b, _ := second.Workflow.ResultFor(id)
		assert.Equal(t, a.ID, b.ID, "reuse reproduces the stamped result")
		assert.True(t, a.TimeStarted.Equal(b.TimeStarted))
	}
	assert.NotContains(t, rec.events, "started src", "a cache hit never starts")
	assert.Contains(t, rec.events, "reused src")
}

func TestExecutor_CrashResumption(t *testing.T) {
	c := newCache(t)
	var calls sync.Map
	crash := true
	reg := Registry{
		"checkout": counting(&calls, succeed),
		"build": counting(&calls, func(ctx *ExecutionContext) error {
			if crash {
				panic("process killed")
			}
			ctx.Success("")
			return nil
		}),
	}
	tasks := []workflow.Task{
		{ID: "checkout", Handler: "checkout"},
		{ID: "build", Handler: "build", Dependencies: []string{"checkout"}},
	}

	_, err := run(t, c, tasks, reg)
	require.NoError(t, err)

	crash = false
	res, err := run(t, c, tasks, reg)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, int32(1), callCount(&calls, "checkout"))
	assert.Equal(t, int32(2), callCount(&calls, "build"))
}

func TestTaskExecution_CacheStaleness(t *testing.T) {
	c := newCache(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls sync.Map
	rt := &runtime{
		cache:    c,
		throttle: throttle.Unlimited(),
		registry: Registry{"build": counting(&calls, succeed)},
		remote:   remote.Local{},
		now:      func() time.Time { return base },
	}
	task := workflow.Task{ID: "build", Handler: "build", Dependencies: []string{"checkout"}}
	depAt := func(finished time.Time) []workflow.Result {
		return []workflow.Result{{ID: "dep-1", TaskID: "checkout", Outcome: workflow.OutcomeSuccess, TimeFinished: finished}}
	}

	first, reused := newTaskExecution(task, depAt(base.Add(-time.Hour)), rt).Run(context.Background(), nil)
	require.False(t, reused)
	require.Equal(t, workflow.OutcomeSuccess, first.Outcome)
	require.True(t, c.IsStamped("build", first.ID))

	te := newTaskExecution(task, depAt(base), rt)
	again, reused := te.Run(context.Background(), nil)
	assert.True(t, reused, "dependency finished exactly at the cached start")
	assert.Equal(t, StateReused, te.State())
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.TimeFinished.Equal(again.TimeFinished))

	te = newTaskExecution(task, depAt(base.Add(time.Second)), rt)
	rerun, reused := te.Run(context.Background(), nil)
	assert.False(t, reused, "dependency finished after the cached start")
	assert.Equal(t, StateFinished, te.State())
	assert.Equal(t, first.ID, rerun.ID)
	assert.Equal(t, int32(2), callCount(&calls, "build"))
}

func TestTaskExecution_OutcomeContract(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		factory Factory
		outcome workflow.Outcome
		reason  string
		stamped bool
	}{
		{
			name:    "success",
			handler: func(ctx *ExecutionContext) error { ctx.Success("built"); return nil },
			outcome: workflow.OutcomeSuccess, reason: "built", stamped: true,
		},
		{
			name:    "failure",
			handler: func(ctx *ExecutionContext) error { ctx.Failure("tests failed"); return nil },
			outcome: workflow.OutcomeFailure, reason: "tests failed",
		},
		{
			name:    "error",
			handler: func(ctx *ExecutionContext) error { ctx.Error("timeout"); return nil },
			outcome: workflow.OutcomeError, reason: "timeout",
		},
		{
			name:    "no report",
			handler: func(ctx *ExecutionContext) error { return nil },
			outcome: workflow.OutcomeError, reason: "handler returned without reporting an outcome",
		},
		{
			name: "double report",
			handler: func(ctx *ExecutionContext) error {
				ctx.Success("")
				ctx.Failure("")
				return nil
			},
			outcome: workflow.OutcomeError, reason: "handler reported 2 outcomes",
		},
		{
			name:    "returned error",
			handler: func(ctx *ExecutionContext) error { ctx.Success(""); return stderrors.New("disk full") },
			outcome: workflow.OutcomeError, reason: "disk full",
		},
		{
			name:    "panic",
			handler: func(ctx *ExecutionContext) error { panic("nil map") },
			outcome: workflow.OutcomeError, reason: "handler panicked: nil map",
		},
		{
			name:    "factory rejects task",
			factory: func(workflow.Task) (Handler, error) { return nil, stderrors.New("missing parameter url") },
			outcome: workflow.OutcomeError, reason: "invalid task: missing parameter url",
		},
		{
			name: "declared artifact missing",
			handler: func(ctx *ExecutionContext) error {
				_, err := ctx.AddArtifact(workflow.ArtifactLog, "build.log")
				ctx.Success("")
				return err
			},
			outcome: workflow.OutcomeError, reason: `declared artifact "build.log" was not created`,
		},
		{
			name: "duplicate artifact name",
			handler: func(ctx *ExecutionContext) error {
				for i := 0; i < 2; i++ {
					if p, err := ctx.AddArtifact(workflow.ArtifactLog, "build.log"); err == nil {
						_ = os.WriteFile(p, nil, 0o644)
					}
				}
				ctx.Success("")
				return nil
			},
			outcome: workflow.OutcomeError, reason: `artifact "build.log" declared twice`,
		},
		{
			name: "escaping artifact name",
			handler: func(ctx *ExecutionContext) error {
				_, _ = ctx.AddArtifact(workflow.ArtifactLog, "../x")
				ctx.Success("")
				return nil
			},
			outcome: workflow.OutcomeError, reason: `invalid artifact name "../x"`,
		},
		{
			name: "missing dependency artifact",
			handler: func(ctx *ExecutionContext) error {
				_, _ = ctx.DependencyArtifacts(workflow.ArtifactRepository)
				ctx.Success("ignored the lookup error")
				return nil
			},
			outcome: workflow.OutcomeError, reason: "expected a dependency artifact of type REPOSITORY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(t)
			factory := tt.factory
			if factory == nil {
				h := tt.handler
				factory = func(workflow.Task) (Handler, error) { return h, nil }
			}
			var workDir string
			wrapped := func(task workflow.Task) (Handler, error) {
				h, err := factory(task)
				if err != nil || h == nil {
					return h, err
				}
				return HandlerFunc(func(ctx *ExecutionContext) error {
					workDir = ctx.WorkDir()
					return h.Handle(ctx)
				}), nil
			}
			rt := &runtime{cache: c, throttle: throttle.Unlimited(), remote: remote.Local{}, now: time.Now,
				registry: Registry{"h": wrapped}}

			res, reused := newTaskExecution(workflow.Task{ID: "t", Handler: "h"}, nil, rt).Run(context.Background(), nil)
			assert.False(t, reused)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.reason, res.OutcomeReason)
			assert.Equal(t, tt.stamped, c.IsStamped("t", res.ID))
			assert.False(t, res.TimeStarted.IsZero())
			assert.False(t, res.TimeFinished.Before(res.TimeStarted))
			if workDir != "" {
				_, err := os.Stat(workDir)
				assert.True(t, os.IsNotExist(err), "scratch directory must be removed")
			}
		})
	}
}

func TestExecutionContext_DependencyArtifacts(t *testing.T) {
	c := newCache(t)
	var seen []string
	var single string
	var singleErr error
	reg := Registry{
		"producer": func(task workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				for _, name := range []string{"a.rpm", "b.rpm"} {
					p, err := ctx.AddArtifact(workflow.ArtifactBinaryPackage, task.ID+"-"+name)
					if err != nil {
						return err
					}
					if err := os.WriteFile(p, []byte(task.ID), 0o644); err != nil {
						return err
					}
				}
				ctx.Success("")
				return nil
			}), nil
		},
		"consumer": func(workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				paths, err := ctx.DependencyArtifacts(workflow.ArtifactBinaryPackage)
				if err != nil {
					return err
				}
				for _, p := range paths {
					seen = append(seen, filepath.Base(p))
					_, statErr := os.Stat(p)
					assert.NoError(t, statErr)
				}
				single, singleErr = ctx.DependencyArtifact(workflow.ArtifactBinaryPackage)
				ctx.Success("")
				return nil
			}), nil
		},
	}
	tasks := []workflow.Task{
		{ID: "p2", Handler: "producer"},
		{ID: "p1", Handler: "producer"},
		{ID: "repo", Handler: "consumer", Dependencies: []string{"p1", "p2"}},
	}

	res, err := run(t, c, tasks, reg)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1-a.rpm", "p1-b.rpm", "p2-a.rpm", "p2-b.rpm"}, seen, "dependency declaration order")
	assert.Empty(t, single)
	assert.Error(t, singleErr)
	r, _ := res.Workflow.ResultFor("repo")
	assert.Equal(t, workflow.OutcomeError, r.Outcome, "an ambiguous singular lookup forces ERROR")
}

func TestExecutionContext_OptionalDependencyArtifact(t *testing.T) {
	var mu sync.Mutex
	var found []bool
	reg := Registry{
		"producer": func(task workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				p, err := ctx.AddArtifact(workflow.ArtifactRepository, "repo")
				if err != nil {
					return err
				}
				if err := os.MkdirAll(p, 0o755); err != nil {
					return err
				}
				ctx.Success("")
				return nil
			}), nil
		},
		"consumer": func(workflow.Task) (Handler, error) {
			return HandlerFunc(func(ctx *ExecutionContext) error {
				_, ok, err := ctx.OptionalDependencyArtifact(workflow.ArtifactRepository)
				if err != nil {
					return err
				}
				mu.Lock()
				found = append(found, ok)
				mu.Unlock()
				ctx.Success("")
				return nil
			}), nil
		},
	}
	tasks := []workflow.Task{
		{ID: "alone", Handler: "consumer"},
		{ID: "r1", Handler: "producer"},
		{ID: "one", Handler: "consumer", Dependencies: []string{"r1"}},
	}
	res, err := run(t, newCache(t), tasks, reg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ElementsMatch(t, []bool{false, true}, found)

	found = nil
	tasks = []workflow.Task{
		{ID: "r1", Handler: "producer"},
		{ID: "r2", Handler: "producer"},
		{ID: "two", Handler: "consumer", Dependencies: []string{"r1", "r2"}},
	}
	res, err = run(t, newCache(t), tasks, reg)
	require.NoError(t, err)
	r, _ := res.Workflow.ResultFor("two")
	assert.Equal(t, workflow.OutcomeError, r.Outcome)
	assert.Equal(t, "expected at most one dependency artifact of type REPOSITORY, found 2", r.OutcomeReason)
	assert.Empty(t, found)
}

func TestExecutionContext_WrapCommandUsesStrategy(t *testing.T) {
	var wrapped []string
	reg := Registry{"build": func(workflow.Task) (Handler, error) {
		return HandlerFunc(func(ctx *ExecutionContext) error {
			var err error
			wrapped, err = ctx.WrapCommand([]string{"make"})
			if err != nil {
				return err
			}
			ctx.Success("")
			return nil
		}), nil
	}}
	strategy := remote.Limited{Limits: map[string]remote.Resources{"build": {MemoryMax: "1G"}}}

	_, err := run(t, newCache(t), []workflow.Task{{ID: "b", Handler: "build"}}, reg,
		func(c *ExecutorConfig) { c.Remote = strategy })
	require.NoError(t, err)
	assert.Equal(t, "systemd-run", wrapped[0])
	assert.Equal(t, "make", wrapped[len(wrapped)-1])
}

func TestNewExecutor_FatalConfigurationErrors(t *testing.T) {
	c := newCache(t)
	reg := Registry{"ok": counting(&sync.Map{}, succeed)}

	_, err := NewExecutor(workflow.New([]workflow.Task{{ID: "a", Handler: "missing"}}), ExecutorConfig{Cache: c, Registry: reg})
	assert.True(t, errors.Is(err, errors.ErrUnknownHandler))

	_, err = NewExecutor(workflow.New([]workflow.Task{
		{ID: "a", Handler: "ok", Dependencies: []string{"b"}},
		{ID: "b", Handler: "ok", Dependencies: []string{"a"}},
	}), ExecutorConfig{Cache: c, Registry: reg})
	assert.True(t, errors.Is(err, errors.ErrCyclicGraph))

	_, err = NewExecutor(workflow.New(nil), ExecutorConfig{Registry: reg})
	assert.Error(t, err)
}

func TestExecutor_ListenerEvents(t *testing.T) {
	rec := &recorder{}
	tasks := []workflow.Task{
		{ID: "a", Handler: "ok"},
		{ID: "b", Handler: "ok", Dependencies: []string{"a"}},
	}
	_, err := run(t, newCache(t), tasks, Registry{"ok": counting(&sync.Map{}, succeed)},
		func(c *ExecutorConfig) { c.Listeners = []Listener{rec} })
	require.NoError(t, err)

	assert.Equal(t, []string{
		"started a", "succeeded a 1",
		"started b", "succeeded b 2",
		"workflow succeeded",
	}, rec.events)
	assert.True(t, rec.joined)
}

func TestExecutor_JoinErrorIsReturned(t *testing.T) {
	rec := &recorder{err: stderrors.New("write workflow.json: no space left on device")}
	res, err := run(t, newCache(t), []workflow.Task{{ID: "a", Handler: "ok"}},
		Registry{"ok": counting(&sync.Map{}, succeed)},
		func(c *ExecutorConfig) { c.Listeners = []Listener{rec} })
	assert.EqualError(t, err, "write workflow.json: no space left on device")
	require.NotNil(t, res)
	assert.True(t, res.Success)
}

func TestExecutor_Interruption(t *testing.T) {
	inHandler := make(chan struct{})
	var calls sync.Map
	reg := Registry{
		"block": counting(&calls, func(ctx *ExecutionContext) error {
			close(inHandler)
			<-ctx.Context().Done()
			ctx.Error("interrupted")
			return nil
		}),
		"ok": counting(&calls, succeed),
	}
	tasks := []workflow.Task{
		{ID: "a", Handler: "block"},
		{ID: "b", Handler: "ok", Dependencies: []string{"a"}},
	}
	rec := &recorder{}
	ex, err := NewExecutor(workflow.New(tasks), ExecutorConfig{Cache: newCache(t), Registry: reg, Listeners: []Listener{rec}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inHandler
		cancel()
	}()
	res, err := ex.Run(ctx)

	assert.True(t, errors.Is(err, errors.ErrInterrupted))
	assert.False(t, res.Success)
	assert.Equal(t, []string{"b"}, res.Blocked)
	assert.Len(t, res.Workflow.Results, 1, "in-flight task is joined and recorded")
	assert.Equal(t, int32(0), callCount(&calls, "b"))
	assert.Equal(t, "workflow failed", rec.events[len(rec.events)-1])
}

// slowStart holds the coordinator in TaskStarted so completions and
// cancellation race.
type slowStart struct{ NopListener }

func (slowStart) TaskStarted(workflow.Task) { time.Sleep(5 * time.Millisecond) }

func TestExecutor_CancelDuringCompletionStopsSpawning(t *testing.T) {
	for i := 0; i < 25; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		var calls sync.Map
		reg := Registry{
			"cancel": counting(&calls, func(ectx *ExecutionContext) error {
				cancel()
				ectx.Success("done")
				return nil
			}),
			"ok": counting(&calls, succeed),
		}
		tasks := []workflow.Task{
			{ID: "a", Handler: "cancel"},
			{ID: "b", Handler: "ok", Dependencies: []string{"a"}},
		}
		ex, err := NewExecutor(workflow.New(tasks), ExecutorConfig{
			Cache: newCache(t), Registry: reg, Listeners: []Listener{slowStart{}},
		})
		require.NoError(t, err)

		res, err := ex.Run(ctx)
		cancel()

		require.True(t, errors.Is(err, errors.ErrInterrupted), "run %d: %v", i, err)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"b"}, res.Blocked, "run %d", i)
		require.Len(t, res.Workflow.Results, 1, "run %d", i)
		assert.Equal(t, workflow.OutcomeSuccess, res.Workflow.Results[0].Outcome)
		assert.Equal(t, int32(0), callCount(&calls, "b"), "run %d", i)
	}
}

func TestExecutor_RunsOnce(t *testing.T) {
	ex, err := NewExecutor(workflow.New(nil), ExecutorConfig{Cache: newCache(t), Registry: Registry{}})
	require.NoError(t, err)
	res, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success, "an empty workflow trivially succeeds")
	_, err = ex.Run(context.Background())
	assert.Error(t, err)
}

func TestExecutor_Progress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := Registry{"block": func(workflow.Task) (Handler, error) {
		return HandlerFunc(func(ctx *ExecutionContext) error {
			close(started)
			<-release
			ctx.Success("")
			return nil
		}), nil
	}, "ok": counting(&sync.Map{}, succeed)}
	tasks := []workflow.Task{{ID: "a", Handler: "block"}, {ID: "b", Handler: "ok", Dependencies: []string{"a"}}}

	ex, err := NewExecutor(workflow.New(tasks), ExecutorConfig{Cache: newCache(t), Registry: reg})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = ex.Run(context.Background())
		close(done)
	}()
	<-started
	p := ex.Progress()
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, []string{"a"}, p.RunningTasks["block"])
	close(release)
	<-done
	assert.Equal(t, 2, ex.Progress().Succeeded)
}
