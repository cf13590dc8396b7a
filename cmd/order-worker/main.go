// order-worker is the process a container or remote-agent execution target
// runs: it decodes the order it was handed via ORDER_JSON, fetches and
// decrypts its bundle, runs its cmds, and reports the outcome to the
// order's presigned callback URL. It never talks to the kernel's state or
// artifact stores directly, only to the HTTP surfaces those stores expose.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/admission"
	"ordkernel/internal/config"
	"ordkernel/internal/order"
	"ordkernel/internal/worker"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("order-worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	o, err := decodeOrder(os.Getenv("ORDER_JSON"))
	if err != nil {
		return fmt.Errorf("decode ORDER_JSON: %w", err)
	}

	cfg := config.LoadKernelConfig()
	keys, err := admission.NewKeyStore(cfg.KeyStoreDir)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = "/tmp/order-worker"
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	logger := slog.With("component", "order-worker", "runId", o.RunID, "orderNum", o.OrderNum)
	logger.Info("starting order")

	runner := worker.NewRunner(worker.NewHTTPBundleFetcher(), keys, workDir)
	if err := runner.Run(ctx, o); err != nil {
		return fmt.Errorf("run order: %w", err)
	}

	logger.Info("order finished")
	return nil
}

// decodeOrder base64-decodes and unmarshals ORDER_JSON, the single env var
// a dispatcher hands an out-of-process worker its full order (cmds,
// callback_uri, encryption_key_ref, an absolute bundle_uri) through, rather
// than one env var per field.
func decodeOrder(raw string) (order.Order, error) {
	if raw == "" {
		return order.Order{}, fmt.Errorf("ORDER_JSON is not set")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return order.Order{}, fmt.Errorf("base64 decode: %w", err)
	}
	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return order.Order{}, fmt.Errorf("unmarshal: %w", err)
	}
	return o, nil
}
