package admission

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"ordkernel/internal/order"
	"time"
)

// VcsProvider is consumed only: its interior (comment rendering, webhook
// signature verification) is out of scope per §1. The kernel calls
// create_comment at job start and update_comment at finalisation — the
// original always posts a starting comment (see SPEC_FULL.md §4.1); the
// distilled spec mentions only "optionally notify" at finalisation, so both
// are implemented here.
type VcsProvider interface {
	VerifyWebhook(headers http.Header, body []byte, secret string) bool
	CreateComment(ctx context.Context, repo string, pr order.PRReference, body, token string) (string, error)
	UpdateComment(ctx context.Context, repo, commentID, body, token string) error
	FindCommentByTag(ctx context.Context, repo string, pr order.PRReference, tag, token string) (string, bool, error)
}

// HTTPVcsProvider is a minimal best-effort VcsProvider: it POSTs/PATCHes a
// JSON comment body to a generic REST endpoint and verifies webhooks with
// HMAC-SHA256, the same primitive the teacher's pkg/cloudevent uses for
// signing outbound callbacks. Concrete VCS wire formats are out of scope.
type HTTPVcsProvider struct {
	client  *http.Client
	baseURL string
}

// NewHTTPVcsProvider creates an HTTPVcsProvider against baseURL.
func NewHTTPVcsProvider(baseURL string) *HTTPVcsProvider {
	return &HTTPVcsProvider{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
	}
}

// VerifyWebhook checks an inbound webhook's HMAC-SHA256 signature.
func (p *HTTPVcsProvider) VerifyWebhook(headers http.Header, body []byte, secret string) bool {
	sig := headers.Get("X-Hub-Signature-256")
	if sig == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

type commentRequest struct {
	Repo string         `json:"repo"`
	PR   order.PRReference `json:"pr_reference,omitempty"`
	Body string         `json:"body"`
}

type commentResponse struct {
	ID string `json:"id"`
}

// CreateComment posts a new comment against repo/pr.
func (p *HTTPVcsProvider) CreateComment(ctx context.Context, repo string, pr order.PRReference, body, token string) (string, error) {
	payload, err := json.Marshal(commentRequest{Repo: repo, PR: pr, Body: body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/comments", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create comment: HTTP %d", resp.StatusCode)
	}

	var out commentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateComment replaces the body of an existing comment.
func (p *HTTPVcsProvider) UpdateComment(ctx context.Context, repo, commentID, body, token string) error {
	payload, err := json.Marshal(commentRequest{Repo: repo, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, p.baseURL+"/comments/"+commentID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("update comment: HTTP %d", resp.StatusCode)
	}
	return nil
}

// FindCommentByTag looks up an existing comment carrying tag in its body.
func (p *HTTPVcsProvider) FindCommentByTag(ctx context.Context, repo string, pr order.PRReference, tag, token string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/comments?repo=%s&tag=%s", p.baseURL, repo, tag), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("find comment: HTTP %d", resp.StatusCode)
	}

	var out commentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	if out.ID == "" {
		return "", false, nil
	}
	return out.ID, true, nil
}

var _ VcsProvider = (*HTTPVcsProvider)(nil)
