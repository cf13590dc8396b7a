package admission

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyStore holds the private half of ephemeral order key pairs under
// keys/<run_id>/<order_num>, separate from the C2 artifact store's
// exec/callbacks/done roots per §4.3 step 3.f. Cleanup on finalisation is
// best-effort per §9 Open Question 3: a partially cleaned run is not an
// error.
type KeyStore struct {
	mu   sync.Mutex
	root string
}

// NewKeyStore creates a KeyStore rooted at dir.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &KeyStore{root: dir}, nil
}

func (k *KeyStore) path(runID, orderNum string) string {
	return filepath.Join(k.root, runID, orderNum)
}

// Ref formats the key reference recorded on an order.
func Ref(runID, orderNum string) string {
	return fmt.Sprintf("keys/%s/%s", runID, orderNum)
}

// Store persists a private key for (runID, orderNum).
func (k *KeyStore) Store(ctx context.Context, runID, orderNum string, priv *ecdh.PrivateKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.path(runID, orderNum)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, priv.Bytes(), 0o600)
}

// Load retrieves a private key for (runID, orderNum).
func (k *KeyStore) Load(ctx context.Context, runID, orderNum string) (*ecdh.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := os.ReadFile(k.path(runID, orderNum))
	if err != nil {
		return nil, err
	}
	return ecdh.X25519().NewPrivateKey(data)
}

// Resolve loads a private key by its formatted key_ref ("keys/<run_id>/<order_num>"),
// satisfying worker.KeyResolver for the inline execution target, where the
// worker contract runs in the same process as the key store.
func (k *KeyStore) Resolve(ctx context.Context, keyRef string) (*ecdh.PrivateKey, error) {
	parts := strings.SplitN(strings.TrimPrefix(keyRef, "keys/"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed key_ref %q", keyRef)
	}
	return k.Load(ctx, parts[0], parts[1])
}

// CleanupRun best-effort removes every key entry for runID. Failures are
// logged by the caller (finalisation), never surfaced as an error.
func (k *KeyStore) CleanupRun(ctx context.Context, runID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return os.RemoveAll(filepath.Join(k.root, runID))
}
