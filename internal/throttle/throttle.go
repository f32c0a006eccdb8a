// Package throttle limits how many tasks of one handler category execute at once.
package throttle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"golang.org/x/sync/semaphore"
)

type limiter struct {
	sem      *semaphore.Weighted
	capacity int64

	mu    sync.Mutex
	inUse int64
}

// Throttle holds one counting limiter per configured handler key.
// Handler keys without a configured capacity are unthrottled.
type Throttle struct {
	limiters map[string]*limiter
}

// New builds a throttle from handler key to capacity. Capacities below one are rejected.
func New(capacities map[string]int64) (*Throttle, error) {
	t := &Throttle{limiters: make(map[string]*limiter, len(capacities))}
	for handler, capacity := range capacities {
		if capacity < 1 {
			return nil, fmt.Errorf("throttle capacity for %q must be at least 1, got %d", handler, capacity)
		}
		t.limiters[handler] = &limiter{sem: semaphore.NewWeighted(capacity), capacity: capacity}
	}
	return t, nil
}

// Unlimited returns a throttle that never blocks.
func Unlimited() *Throttle {
	return &Throttle{limiters: map[string]*limiter{}}
}

// Acquire blocks until capacity for the task's handler is free. It cannot be
// interrupted: a task that has been selected for execution runs.
func (t *Throttle) Acquire(task workflow.Task) {
	l, ok := t.limiters[task.Handler]
	if !ok {
		return
	}
	start := time.Now()
	// A background context never cancels, so Acquire cannot fail.
	_ = l.sem.Acquire(context.Background(), 1)
	metrics.ThrottleWait.WithLabelValues(task.Handler).Observe(time.Since(start).Seconds())

	l.mu.Lock()
	l.inUse++
	metrics.ThrottleInUse.WithLabelValues(task.Handler).Set(float64(l.inUse))
	l.mu.Unlock()
}

// Release returns capacity taken by Acquire. Releasing more than was acquired panics.
func (t *Throttle) Release(task workflow.Task) {
	l, ok := t.limiters[task.Handler]
	if !ok {
		return
	}
	l.mu.Lock()
	if l.inUse == 0 {
		l.mu.Unlock()
		panic(fmt.Sprintf("throttle: release of %q without acquire", task.Handler))
	}
	l.inUse--
	metrics.ThrottleInUse.WithLabelValues(task.Handler).Set(float64(l.inUse))
	l.mu.Unlock()
	l.sem.Release(1)
}

// Do runs fn while holding capacity for task. Capacity is returned on every
// exit path, including a panic in fn.
func (t *Throttle) Do(task workflow.Task, fn func()) {
	t.Acquire(task)
	defer t.Release(task)
	fn()
}

// InUse reports the capacity currently held for handler.
func (t *Throttle) InUse(handler string) int64 {
	l, ok := t.limiters[handler]
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Capacity returns the configured capacity and whether handler is throttled.
func (t *Throttle) Capacity(handler string) (int64, bool) {
	l, ok := t.limiters[handler]
	if !ok {
		return 0, false
	}
	return l.capacity, true
}

// Handlers lists the throttled handler keys in sorted order.
func (t *Throttle) Handlers() []string {
	keys := make([]string, 0, len(t.limiters))
	for k := range t.limiters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
