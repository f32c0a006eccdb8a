package dag

import (
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// Listener observes a run. The executor calls every method from its
// coordinating goroutine, in event order, outside its lock. Snapshots are
// independent copies and may be retained.
type Listener interface {
	TaskStarted(task workflow.Task)
	TaskSucceeded(task workflow.Task, result workflow.Result, snapshot *workflow.Workflow)
	TaskFailed(task workflow.Task, result workflow.Result, snapshot *workflow.Workflow)
	TaskReused(task workflow.Task, result workflow.Result, snapshot *workflow.Workflow)
	WorkflowSucceeded(snapshot *workflow.Workflow)
	WorkflowFailed(snapshot *workflow.Workflow)
}

// Joiner is implemented by listeners that do work in the background. The
// executor joins them after the terminal workflow event.
type Joiner interface {
	Join() error
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) TaskStarted(workflow.Task)                                        {}
func (NopListener) TaskSucceeded(workflow.Task, workflow.Result, *workflow.Workflow) {}
func (NopListener) TaskFailed(workflow.Task, workflow.Result, *workflow.Workflow)    {}
func (NopListener) TaskReused(workflow.Task, workflow.Result, *workflow.Workflow)    {}
func (NopListener) WorkflowSucceeded(*workflow.Workflow)                             {}
func (NopListener) WorkflowFailed(*workflow.Workflow)                                {}

// SnapshotListener reacts to every snapshot change the same way. The
// persistence writer, the HTTP notifier and link maintenance build on it.
type SnapshotListener struct {
	// OnSnapshot is called for every result and for the terminal event.
	OnSnapshot func(snapshot *workflow.Workflow, terminal bool)
}

func (l SnapshotListener) TaskStarted(workflow.Task) {}

func (l SnapshotListener) TaskSucceeded(_ workflow.Task, _ workflow.Result, s *workflow.Workflow) {
	l.OnSnapshot(s, false)
}

func (l SnapshotListener) TaskFailed(_ workflow.Task, _ workflow.Result, s *workflow.Workflow) {
	l.OnSnapshot(s, false)
}

func (l SnapshotListener) TaskReused(_ workflow.Task, _ workflow.Result, s *workflow.Workflow) {
	l.OnSnapshot(s, false)
}

func (l SnapshotListener) WorkflowSucceeded(s *workflow.Workflow) { l.OnSnapshot(s, true) }

func (l SnapshotListener) WorkflowFailed(s *workflow.Workflow) { l.OnSnapshot(s, true) }

// joinAll waits for every background listener and returns the first error.
func joinAll(listeners []Listener) error {
	var g errgroup.Group
	for _, l := range listeners {
		if j, ok := l.(Joiner); ok {
			g.Go(j.Join)
		}
	}
	return g.Wait()
}
