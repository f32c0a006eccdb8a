package dag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maxkimambo/chainbuild/internal/cache"
	"github.com/maxkimambo/chainbuild/internal/remote"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/sirupsen/logrus"
)

// ExecutionContext is what a handler sees of the engine while it runs.
type ExecutionContext struct {
	ctx         context.Context
	task        workflow.Task
	fingerprint string
	workDir     string
	resultDir   string
	deps        []workflow.Result
	cache       *cache.Manager
	remote      remote.Executor
	log         *logrus.Entry

	mu         sync.Mutex
	artifacts  []workflow.Artifact
	names      map[string]bool
	reports    []report
	violations []string
}

type report struct {
	outcome workflow.Outcome
	reason  string
}

// Context is cancelled when the run is interrupted.
func (c *ExecutionContext) Context() context.Context { return c.ctx }

func (c *ExecutionContext) Task() workflow.Task { return c.task }

func (c *ExecutionContext) Fingerprint() string { return c.fingerprint }

// WorkDir is private scratch space, deleted after the handler returns.
func (c *ExecutionContext) WorkDir() string { return c.workDir }

// ResultDir is durable; declared artifacts must be placed here.
func (c *ExecutionContext) ResultDir() string { return c.resultDir }

// Cache gives handlers access to the shared checkout and blob caches.
func (c *ExecutionContext) Cache() *cache.Manager { return c.cache }

// Log is an operational entry carrying the task fields.
func (c *ExecutionContext) Log() *logrus.Entry { return c.log }

// DependencyResults returns the results of the task's dependencies in declaration order.
func (c *ExecutionContext) DependencyResults() []workflow.Result {
	out := make([]workflow.Result, len(c.deps))
	copy(out, c.deps)
	return out
}

// AddArtifact declares an artifact and returns the path the handler must populate.
func (c *ExecutionContext) AddArtifact(typ workflow.ArtifactType, name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(name) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", c.violate(fmt.Sprintf("invalid artifact name %q", name))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[clean] {
		return "", c.violateLocked(fmt.Sprintf("artifact %q declared twice", clean))
	}
	c.names[clean] = true
	c.artifacts = append(c.artifacts, workflow.Artifact{Type: typ, Name: clean})
	return filepath.Join(c.resultDir, clean), nil
}

// DependencyArtifacts resolves the paths of every artifact of typ declared by
// the task's dependencies, in dependency order. Finding none forces ERROR.
func (c *ExecutionContext) DependencyArtifacts(typ workflow.ArtifactType) ([]string, error) {
	paths := c.OptionalDependencyArtifacts(typ)
	if len(paths) == 0 {
		return nil, c.violate(fmt.Sprintf("expected a dependency artifact of type %s", typ))
	}
	return paths, nil
}

// OptionalDependencyArtifacts is DependencyArtifacts for inputs a handler can
// do without. Finding none is not a violation.
func (c *ExecutionContext) OptionalDependencyArtifacts(typ workflow.ArtifactType) []string {
	var paths []string
	for _, dep := range c.deps {
		dir := c.cache.ResultDir(dep.TaskID, dep.ID)
		for _, a := range dep.ArtifactsOf(typ) {
			paths = append(paths, filepath.Join(dir, a.Name))
		}
	}
	return paths
}

// DependencyArtifact resolves the single artifact of typ among the
// dependencies. None or more than one forces ERROR.
func (c *ExecutionContext) DependencyArtifact(typ workflow.ArtifactType) (string, error) {
	paths, err := c.DependencyArtifacts(typ)
	if err != nil {
		return "", err
	}
	if len(paths) > 1 {
		return "", c.violate(fmt.Sprintf("expected exactly one dependency artifact of type %s, found %d", typ, len(paths)))
	}
	return paths[0], nil
}

// OptionalDependencyArtifact resolves the single artifact of typ among the
// dependencies when there is one. None is not a violation; more than one
// forces ERROR.
func (c *ExecutionContext) OptionalDependencyArtifact(typ workflow.ArtifactType) (string, bool, error) {
	paths := c.OptionalDependencyArtifacts(typ)
	switch len(paths) {
	case 0:
		return "", false, nil
	case 1:
		return paths[0], true, nil
	}
	return "", false, c.violate(fmt.Sprintf("expected at most one dependency artifact of type %s, found %d", typ, len(paths)))
}

// WrapCommand passes argv through the run's remote execution strategy.
func (c *ExecutionContext) WrapCommand(argv []string) ([]string, error) {
	return c.remote.Wrap(remote.TaskMeta{TaskID: c.task.ID, Handler: c.task.Handler}, argv)
}

func (c *ExecutionContext) Success(reason string) { c.signal(workflow.OutcomeSuccess, reason) }

func (c *ExecutionContext) Failure(reason string) { c.signal(workflow.OutcomeFailure, reason) }

func (c *ExecutionContext) Error(reason string) { c.signal(workflow.OutcomeError, reason) }

func (c *ExecutionContext) signal(outcome workflow.Outcome, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report{outcome: outcome, reason: reason})
}

func (c *ExecutionContext) violate(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violateLocked(reason)
}

func (c *ExecutionContext) violateLocked(reason string) error {
	c.violations = append(c.violations, reason)
	return errors.New(reason)
}

// verdict applies the outcome contract once the handler has returned.
func (c *ExecutionContext) verdict(handlerErr error) (workflow.Outcome, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case handlerErr != nil:
		return workflow.OutcomeError, handlerErr.Error()
	case len(c.violations) > 0:
		return workflow.OutcomeError, c.violations[0]
	case len(c.reports) == 0:
		return workflow.OutcomeError, "handler returned without reporting an outcome"
	case len(c.reports) > 1:
		return workflow.OutcomeError, fmt.Sprintf("handler reported %d outcomes", len(c.reports))
	}

	r := c.reports[0]
	if r.outcome == workflow.OutcomeSuccess {
		for _, a := range c.artifacts {
			if _, err := os.Lstat(filepath.Join(c.resultDir, a.Name)); err != nil {
				return workflow.OutcomeError, fmt.Sprintf("declared artifact %q was not created", a.Name)
			}
		}
	}
	return r.outcome, r.reason
}

func (c *ExecutionContext) declared() []workflow.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]workflow.Artifact, len(c.artifacts))
	copy(out, c.artifacts)
	return out
}
