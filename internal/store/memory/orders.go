// Package memory implements the state-store (C1) interfaces in-process,
// grounded on the teacher's docker.stateRepo (reserve/commit/release under a
// sync.RWMutex) and on Jawbreaker1-CodeHackBot's append-only event log. No
// third-party database driver appears anywhere in the retrieval pack, so
// this in-process implementation stands in for the real orders/events/locks
// tables named in the spec's environment configuration
// (ORDERS_TABLE/ORDER_EVENTS_TABLE/LOCKS_TABLE); the store.OrdersRepo,
// store.EventsRepo, and store.LocksRepo interfaces are the seam a real
// table-backed implementation would slot behind.
package memory

import (
	"context"
	"log/slog"
	"ordkernel/internal/apperrors"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"ordkernel/pkg/backoff"
	"sync"
	"time"
)

const ordersTTL = 24 * time.Hour

type orderRecord struct {
	order.Order
	expiresAt time.Time
}

// OrdersStore is an in-process implementation of store.OrdersRepo.
type OrdersStore struct {
	mu      sync.RWMutex
	orders  map[string]*orderRecord            // key: run_id/order_num
	byRun   map[string]map[string]struct{}     // run_id -> set of order_num
	logger  *slog.Logger
}

// NewOrdersStore creates an empty in-process orders store.
func NewOrdersStore() *OrdersStore {
	return &OrdersStore{
		orders: make(map[string]*orderRecord),
		byRun:  make(map[string]map[string]struct{}),
		logger: slog.With("component", "store.orders"),
	}
}

func ordersKey(runID, orderNum string) string {
	return runID + "/" + orderNum
}

// Put inserts a new order record, making up to three attempts on transient
// failures with exponential backoff (this in-process implementation has no
// transient failure mode of its own, but callers rely on the retry contract
// being honoured uniformly regardless of backend).
func (s *OrdersStore) Put(ctx context.Context, o order.Order) error {
	return withRetry(ctx, "orders.put", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		key := ordersKey(o.RunID, o.OrderNum)
		if _, exists := s.orders[key]; exists {
			return apperrors.Conflict("order", key, "order already exists")
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now().UTC()
		}
		s.orders[key] = &orderRecord{Order: o, expiresAt: o.CreatedAt.Add(ordersTTL)}
		if s.byRun[o.RunID] == nil {
			s.byRun[o.RunID] = make(map[string]struct{})
		}
		s.byRun[o.RunID][o.OrderNum] = struct{}{}
		return nil
	})
}

// GetOne returns a single order.
func (s *OrdersStore) GetOne(ctx context.Context, runID, orderNum string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[ordersKey(runID, orderNum)]
	if !ok || s.expired(rec) {
		return nil, apperrors.NotFound("order", ordersKey(runID, orderNum))
	}
	o := rec.Order
	return &o, nil
}

// GetAllForRun returns every order for runID.
func (s *OrdersStore) GetAllForRun(ctx context.Context, runID string) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nums := s.byRun[runID]
	result := make([]order.Order, 0, len(nums))
	for num := range nums {
		rec := s.orders[ordersKey(runID, num)]
		if rec == nil || s.expired(rec) {
			continue
		}
		result = append(result, rec.Order)
	}
	return result, nil
}

// UpdateStatus unconditionally updates an order's status and extra fields.
// Idempotent on repeated terminal writes: once terminal, a status write to
// the same or another terminal value never reopens the order (invariant 1).
func (s *OrdersStore) UpdateStatus(ctx context.Context, runID, orderNum string, newStatus order.Status, extra store.ExtraFields) error {
	return withRetry(ctx, "orders.updateStatus", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.orders[ordersKey(runID, orderNum)]
		if !ok {
			return apperrors.NotFound("order", ordersKey(runID, orderNum))
		}

		if rec.Status.Terminal() {
			// Once terminal, further writes are no-ops (idempotence contract).
			s.logger.Debug("ignoring status write to terminal order", "runId", runID, "orderNum", orderNum, "current", rec.Status, "attempted", newStatus)
			return nil
		}

		rec.Status = newStatus
		if extra.Log != "" {
			rec.Log = extra.Log
		}
		if extra.ExecutionURL != "" {
			rec.ExecutionURL = extra.ExecutionURL
		}
		if extra.WatchdogHandle != "" {
			rec.WatchdogHandle = extra.WatchdogHandle
		}
		if extra.DispatchedAt != nil {
			rec.DispatchedAt = extra.DispatchedAt
		}
		return nil
	})
}

var _ store.OrdersRepo = (*OrdersStore)(nil)

func (s *OrdersStore) expired(rec *orderRecord) bool {
	return time.Now().After(rec.expiresAt)
}

// Sweep removes orders whose TTL has expired. Intended to run on the same
// ticker-driven maintenance loop as the rest of the store.
func (s *OrdersStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.orders {
		if now.After(rec.expiresAt) {
			delete(s.orders, key)
			if set := s.byRun[rec.RunID]; set != nil {
				delete(set, rec.OrderNum)
				if len(set) == 0 {
					delete(s.byRun, rec.RunID)
				}
			}
			removed++
		}
	}
	return removed
}

// withRetry runs fn up to three times in all, with exponential backoff, for
// transient failures, per the state store's stated retry policy. It never
// retries an apperrors.ErrConflict or apperrors.ErrNotFound outcome — those
// are not transient.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if apperrors.IsTerminal(err) {
			return err
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}
	}
	return apperrors.Internal(op, lastErr)
}
