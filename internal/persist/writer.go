package persist

import (
	"sync"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// IncrementalWriter rewrites the workflow document after every result. Writes
// happen on a background goroutine; snapshots that arrive while a write is in
// progress collapse into the newest one. The terminal snapshot is always
// written before Join returns.
type IncrementalWriter struct {
	dag.SnapshotListener

	path string
	slot *Slot[*workflow.Workflow]
	done chan struct{}

	mu     sync.Mutex
	err    error
	writes int
}

// NewIncrementalWriter starts the writer goroutine for path.
func NewIncrementalWriter(path string) *IncrementalWriter {
	w := &IncrementalWriter{
		path: path,
		slot: NewSlot[*workflow.Workflow](),
		done: make(chan struct{}),
	}
	w.SnapshotListener = dag.SnapshotListener{OnSnapshot: w.offer}
	go w.loop()
	return w
}

func (w *IncrementalWriter) offer(snapshot *workflow.Workflow, terminal bool) {
	w.slot.Put(snapshot)
	if terminal {
		w.slot.Close()
	}
}

func (w *IncrementalWriter) loop() {
	defer close(w.done)
	for {
		snapshot, ok := w.slot.Next()
		if !ok {
			return
		}
		err := workflow.WriteFile(w.path, snapshot)

		w.mu.Lock()
		w.writes++
		if err != nil && w.err == nil {
			w.err = errors.NewPersistenceError(w.path, err)
		}
		w.mu.Unlock()

		if err != nil {
			metrics.PersistWrites.WithLabelValues("error").Inc()
			logger.Op.WithFields(map[string]interface{}{
				"path":  w.path,
				"error": err.Error(),
			}).Error("Failed to write workflow document")
			continue
		}
		metrics.PersistWrites.WithLabelValues("ok").Inc()
		logger.Op.WithFields(map[string]interface{}{
			"path":    w.path,
			"results": len(snapshot.Results),
		}).Debug("Workflow document written")
	}
}

// Abandon stops the writer without a terminal snapshot.
func (w *IncrementalWriter) Abandon() {
	w.slot.Close()
}

// Join waits for the final write and returns the first write error.
func (w *IncrementalWriter) Join() error {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Writes reports how many documents were written (or attempted).
func (w *IncrementalWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}
