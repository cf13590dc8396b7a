package kernel

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestFanOut_RunsAllItems(t *testing.T) {
	t.Parallel()
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var count atomic.Int64
	fanOut(context.Background(), items, func(ctx context.Context, item int) {
		count.Add(1)
	})

	if count.Load() != int64(len(items)) {
		t.Errorf("expected all %d items processed, got %d", len(items), count.Load())
	}
}

func TestFanOut_EmptyIsNoOp(t *testing.T) {
	t.Parallel()
	fanOut(context.Background(), []int{}, func(ctx context.Context, item int) {
		t.Fatal("fn should not be called for an empty slice")
	})
}
