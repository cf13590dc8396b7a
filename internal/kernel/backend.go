// Package kernel implements the orchestrator (C4): consume
// completion-notification events, reconcile state, evaluate dependencies,
// dispatch ready orders to a target backend, finalise when all terminal.
// Mirrors the teacher's docker.Orchestrator.reconcile structurally
// (list -> classify -> act).
package kernel

import (
	"context"
	"fmt"
	"ordkernel/internal/order"
)

// BackendDispatcher is consumed only: its interior (how a container starts,
// how a remote-agent fleet receives commands) is out of scope per §1.
// Idempotent keyed by (run_id, order_num) — a duplicate dispatch for the
// same key must be absorbed rather than double-executed.
type BackendDispatcher interface {
	Dispatch(ctx context.Context, o order.Order, env map[string]string) (handle string, err error)
}

// BackendRegistry routes dispatch to the BackendDispatcher registered for an
// order's execution_target.
type BackendRegistry struct {
	backends map[order.Target]BackendDispatcher
}

// NewBackendRegistry creates a registry from a target->dispatcher map.
func NewBackendRegistry(backends map[order.Target]BackendDispatcher) *BackendRegistry {
	return &BackendRegistry{backends: backends}
}

// Dispatch routes to the backend registered for o.ExecutionTarget.
func (r *BackendRegistry) Dispatch(ctx context.Context, o order.Order, env map[string]string) (string, error) {
	backend, ok := r.backends[o.ExecutionTarget]
	if !ok {
		return "", fmt.Errorf("no backend registered for execution_target %q", o.ExecutionTarget)
	}
	return backend.Dispatch(ctx, o, env)
}

var _ BackendDispatcher = (*BackendRegistry)(nil)

// WatchdogStarter is the seam through which the orchestrator starts a
// watchdog for a newly dispatched order (§4.4 step 4.2), without importing
// internal/watchdog's implementation details directly.
type WatchdogStarter interface {
	Start(runID, orderNum string, timeoutS int) (handle string)

	// Cancel deregisters a watchdog once an order reaches a terminal status
	// through the normal callback path, so a late-firing poll tick does not
	// race a real result with a synthetic timeout.
	Cancel(runID, orderNum string)
}
