package workflow

import (
	"time"
)

// ArtifactType categorises a file or directory a handler places in its result directory.
type ArtifactType string

const (
	ArtifactLog           ArtifactType = "LOG"
	ArtifactConfig        ArtifactType = "CONFIG"
	ArtifactCheckout      ArtifactType = "CHECKOUT"
	ArtifactSourcePackage ArtifactType = "SOURCE_PACKAGE"
	ArtifactBinaryPackage ArtifactType = "BINARY_PACKAGE"
	ArtifactRepository    ArtifactType = "REPOSITORY"
	ArtifactManifest      ArtifactType = "MANIFEST"
)

// Outcome is the terminal verdict recorded for a task.
type Outcome string

const (
	// OutcomeSuccess is durable and cacheable.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure means the handler's own logic determined the work failed.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeError means an infrastructure or unexpected condition.
	OutcomeError Outcome = "ERROR"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeError:
		return true
	}
	return false
}

// Parameter is one name/value pair of a task. Declaration order is significant.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Task is an immutable graph node.
type Task struct {
	ID           string      `json:"id"`
	Handler      string      `json:"handler"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Parameters   []Parameter `json:"parameters,omitempty"`
}

// Parameter returns the value of the first parameter with the given name.
func (t Task) Parameter(name string) (string, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// ParameterOr returns the named parameter or def when it is absent.
func (t Task) ParameterOr(name, def string) string {
	if v, ok := t.Parameter(name); ok {
		return v
	}
	return def
}

// Artifact names a file declared by a handler. Name is unique within one result.
type Artifact struct {
	Type ArtifactType `json:"type"`
	Name string       `json:"name"`
}

// Result is the immutable outcome record of one execution or cache reuse.
type Result struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"taskId"`
	Artifacts     []Artifact `json:"artifacts,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	OutcomeReason string     `json:"outcomeReason,omitempty"`
	TimeStarted   time.Time  `json:"timeStarted"`
	TimeFinished  time.Time  `json:"timeFinished"`
}

// Duration is the wall time between start and finish.
func (r Result) Duration() time.Duration {
	return r.TimeFinished.Sub(r.TimeStarted)
}

// ArtifactsOf returns the artifacts of the given type in declaration order.
func (r Result) ArtifactsOf(typ ArtifactType) []Artifact {
	var out []Artifact
	for _, a := range r.Artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// Workflow is the fixed task list plus the append-only result list of one run.
// It carries no lock of its own; the executor guards it.
type Workflow struct {
	Tasks   []Task   `json:"tasks"`
	Results []Result `json:"results"`
}

// New returns a workflow over tasks with no results.
func New(tasks []Task) *Workflow {
	return &Workflow{Tasks: tasks, Results: []Result{}}
}

// Snapshot returns a copy whose slices are independent of w.
func (w *Workflow) Snapshot() *Workflow {
	tasks := make([]Task, len(w.Tasks))
	copy(tasks, w.Tasks)
	results := make([]Result, len(w.Results))
	copy(results, w.Results)
	return &Workflow{Tasks: tasks, Results: results}
}

// AppendResult records a result. Results are never edited after this.
func (w *Workflow) AppendResult(r Result) {
	w.Results = append(w.Results, r)
}

// Task returns the task with the given id.
func (w *Workflow) Task(id string) (Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// ResultFor returns the result recorded for taskID, if any.
func (w *Workflow) ResultFor(taskID string) (Result, bool) {
	for _, r := range w.Results {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return Result{}, false
}

// IsComplete reports whether every task has exactly one result.
func (w *Workflow) IsComplete() bool {
	if len(w.Results) != len(w.Tasks) {
		return false
	}
	seen := make(map[string]int, len(w.Results))
	for _, r := range w.Results {
		seen[r.TaskID]++
	}
	for _, t := range w.Tasks {
		if seen[t.ID] != 1 {
			return false
		}
	}
	return true
}

// Settled reports whether no task without a result can still start: each
// of them depends, directly or transitively, on a task that did not succeed.
func (w *Workflow) Settled() bool {
	outcomes := make(map[string]Outcome, len(w.Results))
	for _, r := range w.Results {
		outcomes[r.TaskID] = r.Outcome
	}
	deps := make(map[string][]string, len(w.Tasks))
	for _, t := range w.Tasks {
		deps[t.ID] = t.Dependencies
	}

	blocked := make(map[string]bool, len(w.Tasks))
	var isBlocked func(id string) bool
	isBlocked = func(id string) bool {
		if b, ok := blocked[id]; ok {
			return b
		}
		// A task on a cycle can never start.
		blocked[id] = true
		b := false
		for _, dep := range deps[id] {
			if o, ok := outcomes[dep]; ok {
				if o != OutcomeSuccess {
					b = true
					break
				}
				continue
			}
			if _, known := deps[dep]; !known || isBlocked(dep) {
				b = true
				break
			}
		}
		blocked[id] = b
		return b
	}

	for _, t := range w.Tasks {
		if _, ok := outcomes[t.ID]; ok {
			continue
		}
		if !isBlocked(t.ID) {
			return false
		}
	}
	return true
}

// Counts tallies the recorded results per outcome.
func (w *Workflow) Counts() map[Outcome]int {
	counts := map[Outcome]int{}
	for _, r := range w.Results {
		counts[r.Outcome]++
	}
	return counts
}

// Discard drops every recorded result. Used when resuming from a document whose
// results are not trusted; stamped result directories are the source of truth.
func (w *Workflow) Discard() {
	w.Results = []Result{}
}
