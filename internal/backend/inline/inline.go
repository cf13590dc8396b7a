// Package inline implements kernel.BackendDispatcher for the "inline"
// execution target: the order runs in-process rather than in a container or
// on a remote fleet. It shares the exact worker contract every other target
// uses (decrypt bundle, run cmds, PUT callback_uri) — only the transport
// differs, per the interior-is-out-of-scope boundary the kernel draws around
// all three targets.
package inline

import (
	"context"
	"fmt"
	"log/slog"
	"ordkernel/internal/order"
)

// WorkerRunner executes one order's worker contract to completion, PUTting
// its own callback result. Satisfied by internal/worker.Runner.
type WorkerRunner interface {
	Run(ctx context.Context, o order.Order) error
}

// Dispatcher runs orders in a detached goroutine within the kernel process.
type Dispatcher struct {
	runner WorkerRunner
}

// New constructs an inline Dispatcher against runner.
func New(runner WorkerRunner) *Dispatcher {
	return &Dispatcher{runner: runner}
}

// Dispatch launches the order's worker contract in a background goroutine
// and returns immediately, matching the async dispatch contract of the
// container and remote-agent backends: completion is observed later through
// the order's own callback, not through this call's return.
func (d *Dispatcher) Dispatch(ctx context.Context, o order.Order, env map[string]string) (string, error) {
	if o.Detail.FunctionName == "" {
		return "", fmt.Errorf("inline order %s missing detail.function_name", o.DisplayName())
	}
	handle := "inline:" + o.Detail.FunctionName

	go func() {
		bg := context.Background()
		if err := d.runner.Run(bg, o); err != nil {
			slog.Error("inline order execution failed", "runId", o.RunID, "orderNum", o.OrderNum, "error", err)
		}
	}()

	return handle, nil
}
