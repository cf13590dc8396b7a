package watchdog

import (
	"context"
	"encoding/json"
	"ordkernel/internal/blob"
	"ordkernel/internal/order"
	"ordkernel/internal/store/memory"
	"testing"
	"time"
)

func newTestOrder(runID, orderNum string) order.Order {
	return order.Order{
		RunID:    runID,
		OrderNum: orderNum,
		Cmds:     []string{"true"},
		TimeoutS: 60,
		Status:   order.StatusRunning,
	}
}

func TestWatchdog_StartCancel_NoFire(t *testing.T) {
	t.Parallel()
	st := memory.New()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := New(st.Orders, blobs, nil)

	handle := w.Start("run1", "0001", 30)
	if handle == "" {
		t.Fatal("expected a non-empty watchdog handle")
	}
	w.Cancel("run1", "0001")

	w.mu.Lock()
	n := len(w.entries)
	w.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no registered entries after cancel, got %d", n)
	}
}

func TestWatchdog_Fire_WritesSyntheticTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}

	ord := newTestOrder("run1", "0001")
	if err := st.Orders.Put(ctx, ord); err != nil {
		t.Fatal(err)
	}

	w := New(st.Orders, blobs, nil)
	w.fire(ctx, watchEntry{runID: "run1", orderNum: "0001", deadline: time.Now().Add(-time.Second)})

	data, ok, err := blobs.Get(ctx, blob.CallbackPath("run1", "0001"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected synthetic timeout result to be written")
	}

	var result map[string]string
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result["status"] != string(order.StatusTimedOut) {
		t.Errorf("expected status %q, got %q", order.StatusTimedOut, result["status"])
	}
}

func TestWatchdog_Fire_SkipsTerminalOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}

	ord := newTestOrder("run1", "0001")
	ord.Status = order.StatusSucceeded
	if err := st.Orders.Put(ctx, ord); err != nil {
		t.Fatal(err)
	}

	w := New(st.Orders, blobs, nil)
	w.fire(ctx, watchEntry{runID: "run1", orderNum: "0001", deadline: time.Now().Add(-time.Second)})

	_, ok, err := blobs.Get(ctx, blob.CallbackPath("run1", "0001"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no synthetic result for an already-terminal order")
	}
}

func TestWatchdog_Sweep_OnlyExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}

	expired := newTestOrder("run1", "0001")
	fresh := newTestOrder("run1", "0002")
	if err := st.Orders.Put(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := st.Orders.Put(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	w := New(st.Orders, blobs, nil)
	w.mu.Lock()
	w.entries[key("run1", "0001")] = watchEntry{runID: "run1", orderNum: "0001", deadline: time.Now().Add(-time.Minute)}
	w.entries[key("run1", "0002")] = watchEntry{runID: "run1", orderNum: "0002", deadline: time.Now().Add(time.Hour)}
	w.mu.Unlock()

	w.sweep(ctx)

	if _, ok, _ := blobs.Get(ctx, blob.CallbackPath("run1", "0001")); !ok {
		t.Error("expected expired entry to fire")
	}
	if _, ok, _ := blobs.Get(ctx, blob.CallbackPath("run1", "0002")); ok {
		t.Error("expected non-expired entry to not fire")
	}

	w.mu.Lock()
	_, stillThere := w.entries[key("run1", "0002")]
	w.mu.Unlock()
	if !stillThere {
		t.Error("expected non-expired entry to remain registered")
	}
}
