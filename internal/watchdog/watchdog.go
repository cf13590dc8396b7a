// Package watchdog implements C5: a poll-based per-order deadline
// enforcer. It never touches order state directly — it detects a stall and
// writes a synthetic timed_out callback result to the artifact store,
// letting the same notification path the workers use drive the
// orchestrator's next reconcile tick. Grounded on the teacher's
// runMaintenance ticker loop shape and Jawbreaker1-CodeHackBot's
// ReclaimStaleLeases/ReclaimMissedStartup (poll, compare against a
// deadline, and requeue/fail rather than mutate the running record
// directly).
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/blob"
	"ordkernel/internal/observability"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"sync"
	"time"
)

// PollInterval is the fixed poll cadence, per §4.5.
const PollInterval = 60 * time.Second

type watchEntry struct {
	runID    string
	orderNum string
	deadline time.Time
}

// Watchdog polls a set of registered (run_id, order_num) deadlines and, on
// expiry, forces a timed_out result for any order still non-terminal.
type Watchdog struct {
	mu      sync.Mutex
	entries map[string]watchEntry

	orders  store.OrdersRepo
	blobs   blob.Store
	metrics *observability.Metrics
}

// New constructs a Watchdog against the given state and artifact stores.
// metrics may be nil.
func New(orders store.OrdersRepo, blobs blob.Store, metrics *observability.Metrics) *Watchdog {
	return &Watchdog{
		entries: make(map[string]watchEntry),
		orders:  orders,
		blobs:   blobs,
		metrics: metrics,
	}
}

func key(runID, orderNum string) string {
	return runID + "/" + orderNum
}

// Start registers a deadline for (runID, orderNum) timeoutS seconds from
// now and returns an opaque handle recorded on the order, satisfying
// kernel.WatchdogStarter.
func (w *Watchdog) Start(runID, orderNum string, timeoutS int) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timeoutS <= 0 {
		timeoutS = 3600
	}
	w.entries[key(runID, orderNum)] = watchEntry{
		runID:    runID,
		orderNum: orderNum,
		deadline: time.Now().Add(time.Duration(timeoutS) * time.Second),
	}
	return fmt.Sprintf("watchdog:%s:%s", runID, orderNum)
}

// Cancel deregisters a deadline, called by the orchestrator once an order
// reaches a terminal status through the normal callback path.
func (w *Watchdog) Cancel(runID, orderNum string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key(runID, orderNum))
}

// Run polls every PollInterval until ctx is cancelled. Exported as a
// blocking loop, the same shape as the teacher's RunMaintenance, so
// cmd/kernel-service can launch it as one of the service's background
// goroutines.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep checks every registered deadline once. Expired entries whose order
// is still non-terminal get a synthetic timed_out callback result written
// to the artifact store; entries whose order already reached a terminal
// status through the normal callback path are dropped without a write.
func (w *Watchdog) sweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var expired []watchEntry
	for k, e := range w.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(w.entries, k)
		}
	}
	w.mu.Unlock()

	for _, e := range expired {
		w.fire(ctx, e)
	}
}

func (w *Watchdog) fire(ctx context.Context, e watchEntry) {
	logger := slog.With("component", "watchdog", "runId", e.runID, "orderNum", e.orderNum)

	current, err := w.orders.GetOne(ctx, e.runID, e.orderNum)
	if err != nil {
		logger.Warn("watchdog lookup failed", "error", err)
		return
	}
	if current.Status.Terminal() {
		return
	}

	result := map[string]any{
		"status": string(order.StatusTimedOut),
		"log":    "watchdog: order exceeded its timeout_s without a callback",
	}
	data, err := json.Marshal(result)
	if err != nil {
		logger.Error("marshal synthetic timeout result failed", "error", err)
		return
	}
	if err := w.blobs.Put(ctx, blob.CallbackPath(e.runID, e.orderNum), data); err != nil {
		logger.Error("write synthetic timeout result failed", "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordWatchdogFired(ctx)
	}
	logger.Info("watchdog fired timeout")
}
