package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/apperrors"
	"ordkernel/internal/blob"
	"ordkernel/internal/observability"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// EventPublisher is the optional external sink an Orchestrator forwards
// lifecycle events to, e.g. the teacher's dispatcher.MemoryDispatcher wired
// against EVENTS_SINK. A nil publisher means events are recorded to the
// state store's events collection only.
type EventPublisher interface {
	Publish(ctx context.Context, e order.Event)
}

// callbackResult is the payload a worker PUTs to its presigned callback_uri.
type callbackResult struct {
	Status       string `json:"status"`
	Log          string `json:"log"`
	ExecutionURL string `json:"execution_url,omitempty"`
}

// Orchestrator implements C4: reacts to a single artifact-store notification
// by reconciling one run's state and driving it forward one tick. Mirrors
// the teacher's docker.Orchestrator.reconcile structurally, generalised from
// one container's lifecycle to N interdependent orders.
type Orchestrator struct {
	Orders   store.OrdersRepo
	Events   store.EventsRepo
	Locks    store.LocksRepo
	Blobs    blob.Store
	Backends BackendDispatcher
	Watchdog WatchdogStarter
	Vcs      VcsProvider
	Keys     KeyCleaner
	Publish  EventPublisher
	Metrics  *observability.Metrics

	// LockTTLFloor bounds how long a held lock is honoured beyond a run's
	// own job_timeout_s, guarding against a job descriptor with no timeout.
	LockTTLFloor time.Duration
}

// VcsProvider is the finalisation-time notification seam, satisfied by
// admission.HTTPVcsProvider without kernel importing admission directly.
type VcsProvider interface {
	UpdateComment(ctx context.Context, repo, commentID, body, token string) error
	CreateComment(ctx context.Context, repo string, pr order.PRReference, body, token string) (string, error)
	FindCommentByTag(ctx context.Context, repo string, pr order.PRReference, tag, token string) (string, bool, error)
}

// KeyCleaner is the best-effort ephemeral-key cleanup seam, satisfied by
// admission.KeyStore.
type KeyCleaner interface {
	CleanupRun(ctx context.Context, runID string) error
}

// Reconcile is the single entry point, invoked by the artifact store's
// notification port for every write under internal/callbacks/**/result
// (including the order_num "0000" start signal). path is the C2 path that
// triggered the tick.
func (o *Orchestrator) Reconcile(ctx context.Context, path string) error {
	ctx, span := observability.Tracer.Start(ctx, "orchestrator.reconcile")
	defer span.End()

	runID, orderNum, err := parseCallbackPath(path)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("order_num", orderNum))
	logger := slog.With("component", "orchestrator", "runId", runID)

	orders, err := o.Orders.GetAllForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load orders for run %s: %w", runID, err)
	}
	if len(orders) == 0 {
		return apperrors.NotFound("run", runID)
	}
	flowID, traceID := orders[0].FlowID, orders[0].TraceID
	deadline := orders[0].JobCreatedAt.Add(time.Duration(orders[0].JobTimeoutS) * time.Second)

	ttl := time.Until(deadline)
	if ttl < o.LockTTLFloor {
		ttl = o.LockTTLFloor
	}
	holderID := uuid.NewString()
	acquired, err := o.Locks.Acquire(ctx, runID, holderID, flowID, traceID, ttl)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		// Another invocation holds the lock. Not an error: the next
		// notification (or that invocation's own tick) will re-enter.
		logger.Debug("lock contention, deferring to holder")
		if o.Metrics != nil {
			o.Metrics.RecordLockContention(ctx)
		}
		return nil
	}
	defer func() {
		if err := o.Locks.Release(ctx, runID); err != nil {
			logger.Warn("release run lock failed", "error", err)
		}
	}()

	builder := order.NewEventBuilder(runID, traceID, flowID, "kernel/orchestrator")

	if orderNum != blob.StartSignalOrderNum {
		if err := o.reconcileResult(ctx, runID, orderNum, path, builder); err != nil {
			logger.Error("reconcile callback result failed", "orderNum", orderNum, "error", err)
			return err
		}
		orders, err = o.Orders.GetAllForRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("reload orders after result: %w", err)
		}
	}

	timedOut := time.Now().After(deadline)
	if timedOut {
		if err := o.timeoutRemaining(ctx, runID, orders, builder); err != nil {
			return err
		}
		orders, err = o.Orders.GetAllForRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("reload orders after timeout sweep: %w", err)
		}
	} else {
		if err := o.evaluateAndDispatch(ctx, runID, orders, builder); err != nil {
			return err
		}
		orders, err = o.Orders.GetAllForRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("reload orders after dispatch: %w", err)
		}
	}

	if order.AllTerminal(orders) || timedOut {
		if err := o.finalize(ctx, runID, orders, timedOut, builder); err != nil {
			logger.Error("finalisation failed", "error", err)
			return err
		}
	}
	return nil
}

// reconcileResult applies a single worker's callback result to its order,
// per §4.4 step 2.
func (o *Orchestrator) reconcileResult(ctx context.Context, runID, orderNum, path string, builder *order.EventBuilder) error {
	data, ok, err := o.Blobs.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("read callback result: %w", err)
	}
	if !ok {
		return apperrors.NotFound("callback result", path)
	}
	var result callbackResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode callback result: %w", err)
	}

	current, err := o.Orders.GetOne(ctx, runID, orderNum)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil // already reconciled, notification arrived twice
	}

	status := mapResultStatus(result.Status)
	if err := o.Orders.UpdateStatus(ctx, runID, orderNum, status, store.ExtraFields{
		Log:          result.Log,
		ExecutionURL: result.ExecutionURL,
	}); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if o.Watchdog != nil {
		o.Watchdog.Cancel(runID, orderNum)
	}
	if o.Metrics != nil {
		o.Metrics.RecordOrderTerminal(ctx, string(current.ExecutionTarget), status == order.StatusSucceeded, orderDuration(current))
	}
	o.emit(ctx, builder.OrderTerminal(current.DisplayName(), status, result.Log))
	return nil
}

// orderDuration is dispatch-to-terminal wall time, or 0 if the order never
// reached running (e.g. a doomed dependency short-circuit).
func orderDuration(ord *order.Order) float64 {
	if ord.DispatchedAt == nil {
		return 0
	}
	return time.Since(*ord.DispatchedAt).Seconds()
}

func mapResultStatus(s string) order.Status {
	switch order.Status(s) {
	case order.StatusSucceeded, order.StatusFailed, order.StatusTimedOut:
		return order.Status(s)
	default:
		return order.StatusFailed
	}
}

// evaluateAndDispatch implements §4.4 step 3 (classify) and step 4
// (dispatch), including doomed-order propagation.
func (o *Orchestrator) evaluateAndDispatch(ctx context.Context, runID string, orders []order.Order, builder *order.EventBuilder) error {
	runningQueues := make(map[string]bool)
	for _, ord := range orders {
		if ord.Status == order.StatusRunning && ord.QueueID != "" {
			runningQueues[ord.QueueID] = true
		}
	}

	classification := order.Classify(orders, runningQueues)

	for name, reason := range classification.Doomed {
		ord := findByName(orders, name)
		if ord == nil {
			continue
		}
		if err := o.Orders.UpdateStatus(ctx, runID, ord.OrderNum, order.StatusFailed, store.ExtraFields{
			Log: fmt.Sprintf("dependency %s ended as %s", reason.Dependency, reason.Status),
		}); err != nil {
			return fmt.Errorf("mark order %s doomed: %w", name, err)
		}
		o.emit(ctx, builder.OrderDoomed(name, reason.Dependency, reason.Status))
	}

	ready := make([]order.Order, 0, len(classification.Ready))
	for _, name := range classification.Ready {
		if ord := findByName(orders, name); ord != nil {
			ready = append(ready, *ord)
		}
	}

	fanOut(ctx, ready, func(ctx context.Context, ord order.Order) {
		o.dispatchOne(ctx, runID, ord, builder)
	})
	return nil
}

// dispatchOne dispatches a single ready order to its backend and starts a
// watchdog, per §4.4 step 4. Backends are required to be idempotent on
// (run_id, order_num), so a duplicate dispatch triggered by racing ticks is
// absorbed rather than double-executed.
func (o *Orchestrator) dispatchOne(ctx context.Context, runID string, ord order.Order, builder *order.EventBuilder) {
	ctx, span := observability.Tracer.Start(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("order_num", ord.OrderNum), attribute.String("execution_target", string(ord.ExecutionTarget)))

	logger := slog.With("component", "orchestrator", "runId", runID, "orderNum", ord.OrderNum)

	handle, err := o.Backends.Dispatch(ctx, ord, ord.EnvVars)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		if err := o.Orders.UpdateStatus(ctx, runID, ord.OrderNum, order.StatusFailed, store.ExtraFields{
			Log: fmt.Sprintf("dispatch failed: %v", err),
		}); err != nil {
			logger.Error("mark dispatch failure failed", "error", err)
		}
		o.emit(ctx, builder.OrderTerminal(ord.DisplayName(), order.StatusFailed, err.Error()))
		return
	}

	watchdogHandle := handle
	if o.Watchdog != nil {
		watchdogHandle = o.Watchdog.Start(runID, ord.OrderNum, ord.TimeoutS)
	}

	now := time.Now().UTC()
	if err := o.Orders.UpdateStatus(ctx, runID, ord.OrderNum, order.StatusRunning, store.ExtraFields{
		ExecutionURL:   handle,
		WatchdogHandle: watchdogHandle,
		DispatchedAt:   &now,
	}); err != nil {
		logger.Error("mark dispatched failed", "error", err)
		return
	}
	if o.Metrics != nil {
		o.Metrics.RecordOrderDispatched(ctx, string(ord.ExecutionTarget))
	}
	o.emit(ctx, builder.OrderDispatched(ord.DisplayName(), handle))
}

// timeoutRemaining forces every non-terminal order to timed_out once the
// job-level deadline has elapsed, per §3's AggregateStatus rule.
func (o *Orchestrator) timeoutRemaining(ctx context.Context, runID string, orders []order.Order, builder *order.EventBuilder) error {
	for _, ord := range orders {
		if ord.Status.Terminal() {
			continue
		}
		wasRunning := ord.Status == order.StatusRunning
		if err := o.Orders.UpdateStatus(ctx, runID, ord.OrderNum, order.StatusTimedOut, store.ExtraFields{
			Log: "job-level timeout elapsed",
		}); err != nil {
			return fmt.Errorf("mark order %s timed out: %w", ord.DisplayName(), err)
		}
		if o.Watchdog != nil {
			o.Watchdog.Cancel(runID, ord.OrderNum)
		}
		// Only running orders were ever counted into OrdersActive; a still-pending
		// order forced to timed_out never went through RecordOrderDispatched.
		if o.Metrics != nil && wasRunning {
			d := ord
			o.Metrics.RecordOrderTerminal(ctx, string(d.ExecutionTarget), false, orderDuration(&d))
		}
		o.emit(ctx, builder.OrderTerminal(ord.DisplayName(), order.StatusTimedOut, "job-level timeout elapsed"))
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, e order.Event) {
	if err := o.Events.Put(ctx, e); err != nil {
		slog.Warn("failed to append event", "orderName", e.OrderName, "eventType", e.EventType, "error", err)
	}
	if o.Publish != nil {
		o.Publish.Publish(ctx, e)
	}
}

func findByName(orders []order.Order, name string) *order.Order {
	for i := range orders {
		if orders[i].DisplayName() == name {
			return &orders[i]
		}
	}
	return nil
}

// parseCallbackPath extracts (run_id, order_num) from an
// internal/callbacks/<run_id>/<order_num>/result path.
func parseCallbackPath(path string) (runID, orderNum string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "internal" || parts[1] != "callbacks" {
		return "", "", fmt.Errorf("malformed callback path %q", path)
	}
	return parts[2], parts[3], nil
}
