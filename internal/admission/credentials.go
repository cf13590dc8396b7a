package admission

import (
	"context"
	"fmt"
	"ordkernel/internal/config"
	"os"
	"strings"
)

// CredentialSource is consumed only: the interior of credential-source
// lookups is out of scope per §1, treated as an opaque fetch(path) -> value.
type CredentialSource interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// EnvFileCredentialSource resolves config_paths/secret_paths against either
// an "env:NAME" scheme (looked up via internal/config.GetEnv, the same
// helper the teacher uses for its own configuration) or a "file:/path"
// scheme (read from disk, e.g. a mounted Docker/K8s secret — the same
// pattern as the teacher's config.GetSecretFile).
type EnvFileCredentialSource struct{}

// NewEnvFileCredentialSource creates an EnvFileCredentialSource.
func NewEnvFileCredentialSource() *EnvFileCredentialSource {
	return &EnvFileCredentialSource{}
}

// Fetch resolves path per its scheme prefix.
func (s *EnvFileCredentialSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	switch {
	case strings.HasPrefix(path, "env:"):
		name := strings.TrimPrefix(path, "env:")
		value := config.GetEnv(name, "")
		if value == "" {
			return nil, fmt.Errorf("credential %q not set", path)
		}
		return []byte(value), nil

	case strings.HasPrefix(path, "file:"):
		filePath := strings.TrimPrefix(path, "file:")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read credential %q: %w", path, err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unrecognized credential scheme: %q", path)
	}
}

var _ CredentialSource = (*EnvFileCredentialSource)(nil)
