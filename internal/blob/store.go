// Package blob implements the artifact store (C2): a blob store for
// execution bundles, completion markers, and per-order callback results,
// with a notification port invoked on writes under the callbacks prefix.
// No cloud object-storage SDK appears anywhere in the retrieval pack, so
// this is an in-process filesystem-backed implementation, grounded on the
// teacher's internal/artifact/types.Write.Apply (os.MkdirAll + os.WriteFile).
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Prefixes named in §4.2.
const (
	ExecPrefix      = "internal/exec"
	CallbacksPrefix = "internal/callbacks"
	DonePrefix      = "done"
)

// Notifier is the external port the artifact store invokes on a write under
// CallbacksPrefix. Per Design Notes §9, the orchestrator never imports the
// blob package's notification internals directly — wiring happens at
// cmd/kernel-service, which passes kernel.Orchestrator.Reconcile as this
// function.
type Notifier func(ctx context.Context, path string)

// Store is the C2 contract: Put, Get, List over opaque byte blobs keyed by
// slash-separated paths.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// FSStore is a filesystem-backed Store rooted at a directory, with an
// optional Notifier invoked synchronously after a write under
// CallbacksPrefix — mirroring the spec's "any write under
// internal/callbacks/**/result synchronously produces an event" contract.
type FSStore struct {
	root     string
	notifier Notifier
}

// NewFSStore creates a filesystem-backed store rooted at root. notifier may
// be nil (no notification wiring, e.g. in admission-only test contexts).
func NewFSStore(root string, notifier Notifier) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root, notifier: notifier}, nil
}

func (s *FSStore) resolve(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Put writes data at path, creating parent directories as needed, then — if
// path falls under CallbacksPrefix — invokes the notifier synchronously. The
// leaf name is not checked: every write under CallbacksPrefix notifies.
func (s *FSStore) Put(ctx context.Context, path string, data []byte) error {
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return err
	}
	if s.notifier != nil && strings.HasPrefix(path, CallbacksPrefix+"/") {
		s.notifier(ctx, path)
	}
	return nil
}

// Get reads the blob at path. The second return is false if the path does
// not exist.
func (s *FSStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.resolve(path))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// List returns every stored path with the given prefix.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.resolve(prefix)
	var results []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		results = append(results, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return results, nil
}

var _ Store = (*FSStore)(nil)

// BundlePath is the C2 path for an order's execution bundle.
func BundlePath(runID, orderNum string) string {
	return ExecPrefix + "/" + runID + "/" + orderNum + "/bundle"
}

// CallbackPath is the C2 path for an order's callback result.
func CallbackPath(runID, orderNum string) string {
	return CallbacksPrefix + "/" + runID + "/" + orderNum + "/result"
}

// DonePath is the C2 path for a run's done marker.
func DonePath(runID string) string {
	return DonePrefix + "/" + runID + "/done"
}

// StartSignalOrderNum is the sentinel order_num meaning "start signal".
const StartSignalOrderNum = "0000"
