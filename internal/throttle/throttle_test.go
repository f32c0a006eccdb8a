package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxkimambo/chainbuild/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New(map[string]int64{"build": 0})
	assert.Error(t, err)
}

func TestThrottle_NeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	th, err := New(map[string]int64{"build": capacity})
	require.NoError(t, err)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Do(workflow.Task{ID: "b", Handler: "build"}, func() {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(capacity))
	assert.Equal(t, int64(0), th.InUse("build"))
}

func TestThrottle_UnthrottledHandlersDoNotBlock(t *testing.T) {
	th, err := New(map[string]int64{"build": 1})
	require.NoError(t, err)

	th.Acquire(workflow.Task{Handler: "build"})
	done := make(chan struct{})
	go func() {
		th.Do(workflow.Task{Handler: "checkout"}, func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unthrottled handler blocked")
	}
	th.Release(workflow.Task{Handler: "build"})
}

func TestThrottle_ReleasedOnPanic(t *testing.T) {
	th, err := New(map[string]int64{"build": 1})
	require.NoError(t, err)

	assert.Panics(t, func() {
		th.Do(workflow.Task{Handler: "build"}, func() { panic("handler defect") })
	})
	assert.Equal(t, int64(0), th.InUse("build"))

	acquired := make(chan struct{})
	go func() {
		th.Acquire(workflow.Task{Handler: "build"})
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("capacity leaked after panic")
	}
}

func TestThrottle_ReleaseWithoutAcquirePanics(t *testing.T) {
	th, err := New(map[string]int64{"build": 2})
	require.NoError(t, err)
	assert.Panics(t, func() { th.Release(workflow.Task{Handler: "build"}) })
}

func TestThrottle_Introspection(t *testing.T) {
	th, err := New(map[string]int64{"build": 2, "createrepo": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "createrepo"}, th.Handlers())

	c, ok := th.Capacity("build")
	assert.True(t, ok)
	assert.Equal(t, int64(2), c)
	_, ok = Unlimited().Capacity("build")
	assert.False(t, ok)
}
