package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"ordkernel/internal/admission"
	"ordkernel/internal/blob"
	"ordkernel/internal/bundle"
	"ordkernel/internal/order"
	"os"
	"testing"
)

func buildTestOrder(t *testing.T, blobs blob.Store, keys *admission.KeyStore, cmds []string, timeoutS int, callbackURI string) order.Order {
	t.Helper()

	kp, err := admission.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := keys.Store(context.Background(), "run1", "0001", kp.Private); err != nil {
		t.Fatal(err)
	}

	envJSON, err := json.Marshal(map[string]string{"GREETING": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := admission.Encrypt(kp.Public, envJSON, nil)
	if err != nil {
		t.Fatal(err)
	}
	envelopeJSON, err := admission.MarshalEnvelope(envelope)
	if err != nil {
		t.Fatal(err)
	}

	codeDir := t.TempDir()
	bundlePath := t.TempDir() + "/bundle.tar.gz"
	if err := bundle.Build(bundlePath, codeDir, envelopeJSON); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(context.Background(), "internal/exec/run1/0001/bundle", data); err != nil {
		t.Fatal(err)
	}

	return order.Order{
		RunID:            "run1",
		OrderNum:         "0001",
		Cmds:             cmds,
		TimeoutS:         timeoutS,
		BundleURI:        "internal/exec/run1/0001/bundle",
		CallbackURI:      callbackURI,
		EncryptionKeyRef: admission.Ref("run1", "0001"),
	}
}

func TestRunner_Run_Succeeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := admission.NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var reported map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&reported)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	o := buildTestOrder(t, blobs, keys, []string{"echo $GREETING"}, 10, server.URL)

	runner := NewRunner(NewLocalBundleFetcher(blobs), keys, t.TempDir())
	if err := runner.Run(ctx, o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reported["status"] != string(order.StatusSucceeded) {
		t.Errorf("expected reported status %q, got %q", order.StatusSucceeded, reported["status"])
	}
}

func TestRunner_Run_CmdFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := admission.NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var reported map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&reported)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	o := buildTestOrder(t, blobs, keys, []string{"exit 1"}, 10, server.URL)

	runner := NewRunner(NewLocalBundleFetcher(blobs), keys, t.TempDir())
	if err := runner.Run(ctx, o); err != nil {
		t.Fatalf("Run itself should not error on a failed command: %v", err)
	}

	if reported["status"] != string(order.StatusFailed) {
		t.Errorf("expected reported status %q, got %q", order.StatusFailed, reported["status"])
	}
}

func TestRunner_Run_UnreportableResultIsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := admission.NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	o := order.Order{
		RunID:       "run1",
		OrderNum:    "0001",
		Cmds:        []string{"true"},
		TimeoutS:    10,
		BundleURI:   "does/not/exist",
		CallbackURI: "http://127.0.0.1:0/unreachable",
	}

	runner := NewRunner(NewLocalBundleFetcher(blobs), keys, t.TempDir())
	if err := runner.Run(ctx, o); err == nil {
		t.Fatal("expected an error since the callback report itself cannot succeed")
	}
}
