// Package store defines the state-store (C1) contracts: orders, events, and
// per-run locks with conditional updates. Concrete implementations live in
// subpackages (store/memory is the only one shipped here — no database
// driver appears anywhere in the retrieval pack, so an in-process
// implementation stands in for a real table store, grounded on the
// teacher's docker.stateRepo).
package store

import (
	"context"
	"ordkernel/internal/order"
	"time"
)

// OrdersRepo is the orders collection of the state store.
type OrdersRepo interface {
	// Put inserts a new order record. Returns apperrors.ErrConflict if the
	// (run_id, order_num) key already exists.
	Put(ctx context.Context, o order.Order) error

	// GetOne returns a single order. Returns apperrors.ErrNotFound if absent.
	GetOne(ctx context.Context, runID, orderNum string) (*order.Order, error)

	// GetAllForRun returns every order belonging to runID, indexed access.
	GetAllForRun(ctx context.Context, runID string) ([]order.Order, error)

	// UpdateStatus unconditionally transitions an order's status and merges
	// extra fields (log, execution URL, watchdog handle, dispatched_at).
	// Idempotent: applying the same terminal status twice is a no-op.
	UpdateStatus(ctx context.Context, runID, orderNum string, newStatus order.Status, extra ExtraFields) error
}

// ExtraFields carries the incidental fields UpdateStatus may set alongside a
// status transition.
type ExtraFields struct {
	Log            string
	ExecutionURL   string
	WatchdogHandle string
	DispatchedAt   *time.Time
}

// EventsRepo is the append-only events collection of the state store.
type EventsRepo interface {
	// Put appends an event. Events are never rewritten.
	Put(ctx context.Context, e order.Event) error

	// QueryByTrace returns events for traceID, optionally filtered to sort
	// keys with the given prefix (e.g. an order name).
	QueryByTrace(ctx context.Context, traceID, sortKeyPrefix string) ([]order.Event, error)

	// QueryByOrderName is a secondary lookup by order_name across a trace.
	QueryByOrderName(ctx context.Context, traceID, orderName string) ([]order.Event, error)
}

// LockState is the state of a RunLock record.
type LockState string

const (
	LockActive    LockState = "active"
	LockCompleted LockState = "completed"
)

// Lock is a per-run mutual-exclusion record.
type Lock struct {
	RunID      string
	HolderID   string
	State      LockState
	AcquiredAt time.Time
	FlowID     string
	TraceID    string
}

// LocksRepo is the run-lock collection of the state store.
type LocksRepo interface {
	// Acquire performs a conditional put: succeeds if no record exists, or
	// the existing record's state is completed. Returns (true, nil) on
	// success, (false, nil) on contention — contention is not an error, it
	// is the intended "someone else holds it" signal and is never retried.
	Acquire(ctx context.Context, runID, holderID, flowID, traceID string, ttl time.Duration) (bool, error)

	// Release unconditionally marks the lock completed.
	Release(ctx context.Context, runID string) error
}
