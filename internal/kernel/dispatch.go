package kernel

import (
	"context"
	"sync"
)

// maxConcurrentDispatch bounds fan-out within a single reconcile invocation,
// per §5 (cap: 16).
const maxConcurrentDispatch = 16

// fanOut runs fn(item) for every item concurrently with bounded parallelism,
// joining before returning — the same buffered-semaphore shape as the
// teacher's dispatcher.MemoryDispatcher worker pool, sized down to a single
// call's fan-out instead of a long-lived queue.
func fanOut[T any](ctx context.Context, items []T, fn func(context.Context, T)) {
	sem := make(chan struct{}, maxConcurrentDispatch)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, it)
		}(item)
	}
	wg.Wait()
}
