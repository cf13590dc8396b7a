package admission

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"ordkernel/internal/blob"
	"ordkernel/internal/bundle"
	"ordkernel/internal/order"
	"path/filepath"
	"time"
)

// CodeFetcher resolves an order's source into a local directory. Concrete
// VCS clone semantics are out of scope per §1 ("the interior of worker
// runtimes... only their callback contract matters" extends here: only the
// shape of code acquisition matters to the kernel, not a specific VCS
// provider's wire protocol); GitCodeFetcher below is a best-effort git
// implementation grounded on Upendra-23-cmd-BlockCI-q's Executor
// (os/exec.CommandContext running a shell command with a timeout).
type CodeFetcher interface {
	Fetch(ctx context.Context, src order.Source, credentials CredentialSource) (dir string, cleanup func(), err error)
}

// GitCodeFetcher shells out to git for repo sources and reads local paths
// for bundle_location sources that happen to be filesystem paths (the
// canonical case is a location already resolvable by the artifact store;
// this generic fallback keeps admission usable in tests without a real
// blob-backed source).
type GitCodeFetcher struct {
	workDir string
}

// NewGitCodeFetcher creates a GitCodeFetcher that clones under workDir.
func NewGitCodeFetcher(workDir string) *GitCodeFetcher {
	return &GitCodeFetcher{workDir: workDir}
}

// Fetch implements CodeFetcher.
func (f *GitCodeFetcher) Fetch(ctx context.Context, src order.Source, credentials CredentialSource) (string, func(), error) {
	if src.IsBundle() {
		info, err := os.Stat(src.BundleLocation)
		if err != nil || !info.IsDir() {
			return "", func() {}, fmt.Errorf("bundle_location %q is not a local directory", src.BundleLocation)
		}
		return src.BundleLocation, func() {}, nil
	}

	dest, err := os.MkdirTemp(f.workDir, "order-src-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create clone dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dest) }

	token, err := credentials.Fetch(ctx, src.TokenRef)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("fetch token_ref: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "sh", "-c", fmt.Sprintf("git clone --depth 1 %s .", src.Repo))
	cmd.Dir = dest
	cmd.Env = append(os.Environ(), "GIT_ASKPASS=echo", "GIT_TOKEN="+string(token))
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("git clone failed: %w: %s", err, out)
	}

	if src.Commit != "" {
		checkoutCmd := exec.CommandContext(cloneCtx, "git", "checkout", src.Commit)
		checkoutCmd.Dir = dest
		if out, err := checkoutCmd.CombinedOutput(); err != nil {
			cleanup()
			return "", func() {}, fmt.Errorf("git checkout %s failed: %w: %s", src.Commit, err, out)
		}
	}

	root := dest
	if src.Folder != "" {
		root = filepath.Join(dest, src.Folder)
	}
	return root, cleanup, nil
}

var _ CodeFetcher = (*GitCodeFetcher)(nil)

// PackagingDeps bundles the collaborators packageOrder needs, so Service can
// be constructed once and packageOrder stays a plain function of its
// dependencies.
type PackagingDeps struct {
	Fetcher     CodeFetcher
	Credentials CredentialSource
	Blobs       blob.Store
	Keys        *KeyStore
	Presigner   *blob.Presigner
	CallbackTTL time.Duration
}

// packageOrder implements §4.3 stage 3 for a single order: fetch code,
// resolve config/secret paths, fetch credentials, presign the callback URL,
// merge env, envelope-encrypt, rebundle, and upload. It mutates o in place
// with the derived bundle_uri/callback_uri/encryption_key_ref.
func packageOrder(ctx context.Context, runID, jobEncryptionKeyRef string, o *order.Order, deps PackagingDeps) error {
	dir, cleanup, err := deps.Fetcher.Fetch(ctx, o.Source, deps.Credentials)
	if err != nil {
		return fmt.Errorf("fetch code: %w", err)
	}
	defer cleanup()

	env := make(map[string]string, len(o.EnvVars)+len(o.ConfigPaths)+len(o.SecretPaths)+2)
	for k, v := range o.EnvVars {
		env[k] = v
	}

	var sourcePaths []string
	for _, p := range o.ConfigPaths {
		v, err := deps.Credentials.Fetch(ctx, p)
		if err != nil {
			return fmt.Errorf("resolve config_path %q: %w", p, err)
		}
		env[configPathEnvKey(p)] = string(v)
		sourcePaths = append(sourcePaths, p)
	}
	for _, p := range o.SecretPaths {
		v, err := deps.Credentials.Fetch(ctx, p)
		if err != nil {
			return fmt.Errorf("resolve secret_path %q: %w", p, err)
		}
		env[configPathEnvKey(p)] = string(v)
		sourcePaths = append(sourcePaths, p)
	}

	callbackURI := deps.Presigner.PresignWrite(blob.CallbackPath(runID, o.OrderNum), deps.CallbackTTL)
	env["CALLBACK_URL"] = callbackURI
	env["TIMEOUT"] = fmt.Sprintf("%d", o.TimeoutS)

	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}

	pub, keyRef, err := resolveEncryptionKey(ctx, runID, jobEncryptionKeyRef, o, deps.Keys)
	if err != nil {
		return fmt.Errorf("resolve encryption key: %w", err)
	}

	envelope, err := Encrypt(pub, plaintext, sourcePaths)
	if err != nil {
		return fmt.Errorf("encrypt env: %w", err)
	}
	envelopeJSON, err := MarshalEnvelope(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	bundlePath, err := os.CreateTemp("", "bundle-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create bundle temp file: %w", err)
	}
	bundlePath.Close()
	defer os.Remove(bundlePath.Name())

	if err := bundle.Build(bundlePath.Name(), dir, envelopeJSON); err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}
	data, err := os.ReadFile(bundlePath.Name())
	if err != nil {
		return fmt.Errorf("read built bundle: %w", err)
	}

	uploadPath := blob.BundlePath(runID, o.OrderNum)
	if err := deps.Blobs.Put(ctx, uploadPath, data); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}

	o.BundleURI = uploadPath
	o.CallbackURI = callbackURI
	o.EncryptionKeyRef = keyRef

	slog.Debug("order packaged", "runId", runID, "orderNum", o.OrderNum, "bytes", len(data))
	return nil
}

func configPathEnvKey(path string) string {
	return "SECRET_" + path
}

// resolveEncryptionKey returns the public key to encrypt with and the
// key_ref to record on the order. If the job carries a pre-existing
// encryption_key_ref, that reference's public half is used; otherwise a
// fresh ephemeral key pair is generated per order and its private half
// persisted to the key store under keys/<run_id>/<order_num>.
func resolveEncryptionKey(ctx context.Context, runID, jobEncryptionKeyRef string, o *order.Order, keys *KeyStore) (*ecdh.PublicKey, string, error) {
	if jobEncryptionKeyRef != "" {
		priv, err := keys.Resolve(ctx, jobEncryptionKeyRef)
		if err != nil {
			return nil, "", fmt.Errorf("resolve pre-existing key %q: %w", jobEncryptionKeyRef, err)
		}
		return priv.PublicKey(), jobEncryptionKeyRef, nil
	}

	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	if err := keys.Store(ctx, runID, o.OrderNum, pair.Private); err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return pair.Public, Ref(runID, o.OrderNum), nil
}
