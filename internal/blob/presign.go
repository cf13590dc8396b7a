package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Presigner mints and verifies time-limited write URLs for the artifact
// store, standing in for the cloud-storage presigned-URL feature the spec
// assumes (no S3/object-storage SDK appears in the retrieval pack). Tokens
// are HMAC-SHA256 signed path+expiry pairs, the same signing primitive the
// teacher's pkg/cloudevent uses for callback payloads.
type Presigner struct {
	baseURL string
	key     string
}

// NewPresigner creates a Presigner. baseURL is the externally reachable
// address of the callback-ingest endpoint (a cmd/remote-agent-gateway or
// cmd/kernel-service route); key signs and verifies tokens.
func NewPresigner(baseURL, key string) *Presigner {
	return &Presigner{baseURL: strings.TrimRight(baseURL, "/"), key: key}
}

// PresignWrite returns a time-limited write URL for path, valid for ttl
// (default two hours per §4.2, configurable per job).
func (p *Presigner) PresignWrite(path string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	sig := p.sign(path, expires)

	q := url.Values{}
	q.Set("path", path)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/callback?%s", p.baseURL, q.Encode())
}

// VerifyWrite checks a presigned write request's path/expires/sig triple.
// Returns an error if the signature is invalid or the URL has expired.
func (p *Presigner) VerifyWrite(path, expiresStr, sig string) error {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry")
	}
	if time.Now().Unix() > expires {
		return fmt.Errorf("presigned URL expired")
	}
	want := p.sign(path, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (p *Presigner) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(p.key))
	mac.Write([]byte(fmt.Sprintf("%s:%d", path, expires)))
	return hex.EncodeToString(mac.Sum(nil))
}
