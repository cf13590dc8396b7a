// Package worker implements the worker contract every execution target
// ultimately runs: fetch (bundle_uri, key_ref), decrypt the env envelope,
// execute cmds sequentially, and PUT {status, log} to callback_uri.
// Grounded on the teacher's sidecar.Runner.Run (pre-job -> wait -> post-job
// staged flow) collapsed to a single linear flow since a worker has no
// separate sidecar process to hand off to, and on
// Upendra-23-cmd-BlockCI-q's Executor.RunStep for per-command execution.
package worker

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"ordkernel/internal/admission"
	"ordkernel/internal/blob"
	"ordkernel/internal/bundle"
	"ordkernel/internal/order"
	"strings"
	"time"
)

// BundleFetcher resolves bundle_uri to the raw tar.gz bytes of an order's
// execution bundle.
type BundleFetcher interface {
	Fetch(ctx context.Context, bundleURI string) ([]byte, error)
}

// HTTPBundleFetcher fetches bundles over plain HTTP GET, for workers running
// outside the kernel process (container, remote-agent targets).
type HTTPBundleFetcher struct {
	client *http.Client
}

// NewHTTPBundleFetcher constructs an HTTPBundleFetcher.
func NewHTTPBundleFetcher() *HTTPBundleFetcher {
	return &HTTPBundleFetcher{client: &http.Client{Timeout: 60 * time.Second}}
}

// Fetch implements BundleFetcher.
func (f *HTTPBundleFetcher) Fetch(ctx context.Context, bundleURI string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundleURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch bundle: HTTP %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ BundleFetcher = (*HTTPBundleFetcher)(nil)

// LocalBundleFetcher resolves bundle_uri directly against the artifact
// store, for the inline execution target which runs in the same process as
// the kernel and has no need for an HTTP round-trip to fetch its own bundle.
type LocalBundleFetcher struct {
	blobs blob.Store
}

// NewLocalBundleFetcher constructs a LocalBundleFetcher over blobs.
func NewLocalBundleFetcher(blobs blob.Store) *LocalBundleFetcher {
	return &LocalBundleFetcher{blobs: blobs}
}

// Fetch implements BundleFetcher. bundleURI is the artifact store's own
// path key for inline orders, not an HTTP URL.
func (f *LocalBundleFetcher) Fetch(ctx context.Context, bundleURI string) ([]byte, error) {
	data, ok, err := f.blobs.Get(ctx, bundleURI)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("fetch bundle: %q not found", bundleURI)
	}
	return data, nil
}

var _ BundleFetcher = (*LocalBundleFetcher)(nil)

// KeyResolver retrieves the private half of an order's ephemeral encryption
// key, keyed by key_ref.
type KeyResolver interface {
	Resolve(ctx context.Context, keyRef string) (*ecdh.PrivateKey, error)
}

// Runner executes the worker contract for a single order.
type Runner struct {
	Bundles BundleFetcher
	Keys    KeyResolver
	HTTP    *http.Client
	WorkDir string
}

// NewRunner constructs a Runner. workDir is the scratch root each order's
// bundle is extracted into.
func NewRunner(bundles BundleFetcher, keys KeyResolver, workDir string) *Runner {
	return &Runner{
		Bundles: bundles,
		Keys:    keys,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		WorkDir: workDir,
	}
}

type callbackPayload struct {
	Status string `json:"status"`
	Log    string `json:"log"`
}

// Run executes o's full worker contract: fetch bundle, decrypt env,
// run cmds sequentially under o.TimeoutS, report the outcome to
// callback_uri. Run never returns an error for a failed order's own
// commands — that outcome is reported, not propagated. It returns an error
// only when the contract itself could not be fulfilled (the callback payload
// could not be marshalled or the callback report failed), meaning no result
// was ever reported and the watchdog is the only remaining backstop. A bundle
// fetch failure is reported as status failed, like any other execute failure.
func (r *Runner) Run(ctx context.Context, o order.Order) error {
	logger := slog.With("component", "worker", "runId", o.RunID, "orderNum", o.OrderNum)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.TimeoutS)*time.Second)
	defer cancel()

	status, log := r.execute(ctx, o, logger)

	payload, err := json.Marshal(callbackPayload{Status: string(status), Log: log})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	if err := r.report(ctx, o.CallbackURI, payload); err != nil {
		return fmt.Errorf("report callback: %w", err)
	}
	return nil
}

// execute runs the decrypt-then-run pipeline, converting every failure mode
// into a (status, log) pair rather than an error, so a single reportable
// outcome always exists.
func (r *Runner) execute(ctx context.Context, o order.Order, logger *slog.Logger) (order.Status, string) {
	data, err := r.Bundles.Fetch(ctx, o.BundleURI)
	if err != nil {
		logger.Error("bundle fetch failed", "error", err)
		return order.StatusFailed, fmt.Sprintf("bundle fetch failed: %v", err)
	}

	dir, err := os.MkdirTemp(r.WorkDir, "order-*")
	if err != nil {
		return order.StatusFailed, fmt.Sprintf("create work dir failed: %v", err)
	}
	defer os.RemoveAll(dir)

	envelopeJSON, err := bundle.Extract(data, dir)
	if err != nil {
		logger.Error("bundle extract failed", "error", err)
		return order.StatusFailed, fmt.Sprintf("bundle extract failed: %v", err)
	}

	env, err := r.decryptEnv(ctx, o, envelopeJSON)
	if err != nil {
		logger.Error("env decrypt failed", "error", err)
		return order.StatusFailed, fmt.Sprintf("env decrypt failed: %v", err)
	}

	var logBuf strings.Builder
	for i, cmdStr := range o.Cmds {
		select {
		case <-ctx.Done():
			logBuf.WriteString("timed out before completing all cmds\n")
			return order.StatusTimedOut, logBuf.String()
		default:
		}

		out, err := runCmd(ctx, dir, cmdStr, env)
		logBuf.WriteString(fmt.Sprintf("[cmd %d] %s\n%s\n", i, cmdStr, out))
		if err != nil {
			if ctx.Err() != nil {
				logBuf.WriteString("timed out\n")
				return order.StatusTimedOut, logBuf.String()
			}
			logBuf.WriteString(fmt.Sprintf("cmd failed: %v\n", err))
			return order.StatusFailed, logBuf.String()
		}
	}

	return order.StatusSucceeded, logBuf.String()
}

// decryptEnv unmarshals and decrypts the bundle's envelope into an env map.
// The order's own env_vars are already inside the envelope (merged at
// admission), so no further merge happens here.
func (r *Runner) decryptEnv(ctx context.Context, o order.Order, envelopeJSON []byte) (map[string]string, error) {
	env, err := admission.UnmarshalEnvelope(envelopeJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	priv, err := r.Keys.Resolve(ctx, o.EncryptionKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key %q: %w", o.EncryptionKeyRef, err)
	}

	plaintext, err := admission.Decrypt(priv, env)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}

	var out map[string]string
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("unmarshal plaintext env: %w", err)
	}
	return out, nil
}

// runCmd runs a single shell command with the decrypted env merged over the
// process environment, grounded on Upendra-23-cmd-BlockCI-q's
// Executor.RunStep (sh -c under a context deadline).
func runCmd(ctx context.Context, dir, cmdStr string, env map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// report PUTs the worker's terminal result to a presigned callback_uri.
func (r *Runner) report(ctx context.Context, callbackURI string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, callbackURI, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback report: HTTP %d", resp.StatusCode)
	}
	return nil
}
