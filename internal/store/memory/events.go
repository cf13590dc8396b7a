package memory

import (
	"context"
	"log/slog"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"sort"
	"strings"
	"sync"
	"time"
)

const eventsTTL = 90 * 24 * time.Hour

type eventRecord struct {
	order.Event
	seq       int64 // monotonic per-writer sequence number, breaks same-millisecond ties
	expiresAt time.Time
}

// EventsStore is an in-process, append-only implementation of
// store.EventsRepo. Ordering within a trace follows Jawbreaker1-CodeHackBot's
// event-cache pattern of a monotonic per-writer sequence number layered on
// top of the millisecond sort key, so identical-millisecond writes still
// order deterministically for QueryByTrace.
type EventsStore struct {
	mu     sync.Mutex
	nextSeq int64
	byTrace map[string][]*eventRecord
	logger  *slog.Logger
}

// NewEventsStore creates an empty in-process events store.
func NewEventsStore() *EventsStore {
	return &EventsStore{
		byTrace: make(map[string][]*eventRecord),
		logger:  slog.With("component", "store.events"),
	}
}

// Put appends an event. Events are never rewritten or removed except by TTL.
func (s *EventsStore) Put(ctx context.Context, e order.Event) error {
	return withRetry(ctx, "events.put", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.nextSeq++
		rec := &eventRecord{Event: e, seq: s.nextSeq, expiresAt: time.Now().Add(eventsTTL)}
		s.byTrace[e.TraceID] = append(s.byTrace[e.TraceID], rec)
		return nil
	})
}

// QueryByTrace returns events for traceID ordered by sort key (ties broken
// by append sequence), optionally
// filtered to sort keys with the given prefix (e.g. an order name).
func (s *EventsStore) QueryByTrace(ctx context.Context, traceID, sortKeyPrefix string) ([]order.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.sortedForTrace(traceID)
	result := make([]order.Event, 0, len(recs))
	for _, rec := range recs {
		if sortKeyPrefix != "" && !strings.HasPrefix(rec.SortKey, sortKeyPrefix) {
			continue
		}
		result = append(result, rec.Event)
	}
	return result, nil
}

// QueryByOrderName is a secondary lookup by order_name across a trace.
func (s *EventsStore) QueryByOrderName(ctx context.Context, traceID, orderName string) ([]order.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.sortedForTrace(traceID)
	result := make([]order.Event, 0)
	for _, rec := range recs {
		if rec.OrderName == orderName {
			result = append(result, rec.Event)
		}
	}
	return result, nil
}

// sortedForTrace returns non-expired records for traceID ordered by sort
// key, breaking ties on the per-writer sequence number. Caller must hold s.mu.
func (s *EventsStore) sortedForTrace(traceID string) []*eventRecord {
	all := s.byTrace[traceID]
	now := time.Now()
	live := make([]*eventRecord, 0, len(all))
	for _, rec := range all {
		if now.Before(rec.expiresAt) {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].SortKey != live[j].SortKey {
			return live[i].SortKey < live[j].SortKey
		}
		return live[i].seq < live[j].seq
	})
	return live
}

var _ store.EventsRepo = (*EventsStore)(nil)

// Sweep removes events whose TTL has expired.
func (s *EventsStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for trace, recs := range s.byTrace {
		kept := recs[:0]
		for _, rec := range recs {
			if now.Before(rec.expiresAt) {
				kept = append(kept, rec)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.byTrace, trace)
		} else {
			s.byTrace[trace] = kept
		}
	}
	return removed
}
