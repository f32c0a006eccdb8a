// Package metrics holds the prometheus collectors of a run and the optional
// exposition server.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts finished executions by handler and outcome. Reuses are not included.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainbuild_tasks_total",
		Help: "Executed tasks by handler and outcome",
	}, []string{"handler", "outcome"})

	// TasksReused counts cache hits by handler.
	TasksReused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainbuild_tasks_reused_total",
		Help: "Tasks resolved from a stamped result directory",
	}, []string{"handler"})

	// TaskDuration tracks handler wall time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainbuild_task_duration_seconds",
		Help:    "Handler execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
	}, []string{"handler"})

	// TasksInFlight is the number of spawned, unfinished task executions.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainbuild_tasks_in_flight",
		Help: "Task executions currently in flight",
	})

	// ThrottleInUse is the held capacity per throttled handler.
	ThrottleInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainbuild_throttle_in_use",
		Help: "Throttle capacity currently held per handler",
	}, []string{"handler"})

	// ThrottleWait tracks time spent blocked in throttle acquisition.
	ThrottleWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainbuild_throttle_wait_seconds",
		Help:    "Time spent waiting for throttle capacity",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"handler"})

	// CachePopulations counts shared cache slot fills by kind and result (created, reused).
	CachePopulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainbuild_cache_populations_total",
		Help: "Shared cache slot populations by kind and result",
	}, []string{"kind", "result"})

	// PersistWrites counts workflow document writes by result.
	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainbuild_persist_writes_total",
		Help: "Workflow document writes by result",
	}, []string{"result"})

	// NotifyRequests counts outward notifications by result.
	NotifyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainbuild_notify_requests_total",
		Help: "Outward HTTP notifications by result",
	}, []string{"result"})
)

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Op.WithFields(map[string]interface{}{"addr": addr}).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
