// Package notify pushes workflow snapshots to an HTTP endpoint while a run
// progresses.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/persist"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"golang.org/x/time/rate"
)

const requestTimeout = 30 * time.Second

// HTTPNotifier PUTs the workflow document to URL after every result. PUTs are
// spaced at least minInterval apart; snapshots arriving in between collapse
// into the newest. Delivery failures are logged and never fail the run.
type HTTPNotifier struct {
	dag.SnapshotListener

	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	slot    *persist.Slot[*workflow.Workflow]
	done    chan struct{}

	sent     atomic.Int64
	failures atomic.Int64
}

// New starts the delivery goroutine. A nil client uses http.DefaultClient.
func New(url, token string, minInterval time.Duration, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	n := &HTTPNotifier{
		url:     url,
		token:   token,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		slot:    persist.NewSlot[*workflow.Workflow](),
		done:    make(chan struct{}),
	}
	n.SnapshotListener = dag.SnapshotListener{OnSnapshot: n.offer}
	go n.loop()
	return n
}

func (n *HTTPNotifier) offer(snapshot *workflow.Workflow, terminal bool) {
	n.slot.Put(snapshot)
	if terminal {
		n.slot.Close()
	}
}

func (n *HTTPNotifier) loop() {
	defer close(n.done)
	for {
		snapshot, ok := n.slot.Next()
		if !ok {
			return
		}
		_ = n.limiter.Wait(context.Background())

		if err := n.put(snapshot); err != nil {
			n.failures.Add(1)
			metrics.NotifyRequests.WithLabelValues("error").Inc()
			logger.Op.WithFields(map[string]interface{}{
				"url":   n.url,
				"error": err.Error(),
			}).Warn("Failed to deliver workflow notification")
			continue
		}
		n.sent.Add(1)
		metrics.NotifyRequests.WithLabelValues("ok").Inc()
	}
}

func (n *HTTPNotifier) put(snapshot *workflow.Workflow) error {
	body, err := workflow.Encode(snapshot)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Abandon stops the delivery goroutine without a terminal snapshot.
func (n *HTTPNotifier) Abandon() {
	n.slot.Close()
}

// Join waits for the final delivery. Delivery errors are not returned.
func (n *HTTPNotifier) Join() error {
	<-n.done
	return nil
}

// Sent reports successful deliveries.
func (n *HTTPNotifier) Sent() int64 { return n.sent.Load() }

// Failures reports failed deliveries.
func (n *HTTPNotifier) Failures() int64 { return n.failures.Load() }
