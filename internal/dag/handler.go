package dag

import (
	"sort"

	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// Handler performs the work of one task. It must call exactly one of
// Success, Failure or Error on the context before returning. A returned error
// or a panic is recorded as ERROR.
type Handler interface {
	Handle(ctx *ExecutionContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *ExecutionContext) error

func (f HandlerFunc) Handle(ctx *ExecutionContext) error { return f(ctx) }

// Factory constructs a handler for a task. It may reject invalid or missing
// parameters, which records ERROR for that task.
type Factory func(task workflow.Task) (Handler, error)

// Registry maps handler keys to factories. It is built once at startup and
// handed to the executor.
type Registry map[string]Factory

// Keys lists the registered handler keys in sorted order.
func (r Registry) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the factory for key.
func (r Registry) Lookup(key string) (Factory, bool) {
	f, ok := r[key]
	return f, ok && f != nil
}

// Validate rejects the first task whose handler key is not registered.
func (r Registry) Validate(tasks []workflow.Task) error {
	for _, t := range tasks {
		if _, ok := r.Lookup(t.Handler); !ok {
			return errors.NewUnknownHandlerError(t.ID, t.Handler, r.Keys())
		}
	}
	return nil
}
