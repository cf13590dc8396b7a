package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/runs", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/runs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/runs/xyz789", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/runs", 500, 0.001)
}

func TestRecordOrderMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordOrderDispatched(ctx, "container")
	metrics.RecordOrderDispatched(ctx, "inline")
	metrics.RecordOrderTerminal(ctx, "container", true, 5.5)
	metrics.RecordOrderTerminal(ctx, "inline", false, 120.0)
	metrics.RecordJobCreated(ctx, "container")
	metrics.RecordLockContention(ctx)
	metrics.RecordWatchdogFired(ctx)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/v1/runs", "/v1/runs"},
		{"/v1/runs/abc123", "/v1/runs/{runId}"},
		{"/v1/runs/xyz-789-def", "/v1/runs/{runId}"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
