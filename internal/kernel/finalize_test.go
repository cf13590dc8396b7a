package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"ordkernel/internal/blob"
	"ordkernel/internal/order"
	"testing"
)

type fakeVcs struct {
	comments []string
	updates  []string
	found    string
	err      error
}

func (f *fakeVcs) VerifyWebhook(headers http.Header, body []byte, secret string) bool {
	return true
}

func (f *fakeVcs) UpdateComment(ctx context.Context, repo, commentID, body, token string) error {
	f.updates = append(f.updates, commentID)
	return nil
}

func (f *fakeVcs) CreateComment(ctx context.Context, repo string, pr order.PRReference, body, token string) (string, error) {
	f.comments = append(f.comments, body)
	return "comment-1", f.err
}

func (f *fakeVcs) FindCommentByTag(ctx context.Context, repo string, pr order.PRReference, tag, token string) (string, bool, error) {
	if f.found == "" {
		return "", false, nil
	}
	return f.found, true, nil
}

type fakeKeyCleaner struct {
	cleaned []string
}

func (f *fakeKeyCleaner) CleanupRun(ctx context.Context, runID string) error {
	f.cleaned = append(f.cleaned, runID)
	return nil
}

func TestFinalize_WritesDoneMarkerAndCleansUpKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	keys := &fakeKeyCleaner{}
	o := &Orchestrator{Blobs: blobs, Keys: keys, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusSucceeded, MustSucceed: true},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, false, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, ok, err := blobs.Get(ctx, blob.DonePath("run1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a done marker to be written")
	}
	var marker doneMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		t.Fatal(err)
	}
	if marker.Status != order.StatusSucceeded {
		t.Errorf("expected aggregate status succeeded, got %s", marker.Status)
	}
	if marker.Summary.Succeeded != 1 {
		t.Errorf("expected 1 succeeded order in summary, got %d", marker.Summary.Succeeded)
	}
	if len(keys.cleaned) != 1 || keys.cleaned[0] != "run1" {
		t.Errorf("expected ephemeral keys cleaned for run1, got %+v", keys.cleaned)
	}
}

func TestFinalize_NotifiesVcsWhenPRReferencePresent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	vcs := &fakeVcs{}
	o := &Orchestrator{Blobs: blobs, Vcs: vcs, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusFailed, MustSucceed: true, PRReference: order.PRReference{"number": 42}},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, false, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vcs.comments) != 1 {
		t.Fatalf("expected a single finalisation comment, got %d", len(vcs.comments))
	}
}

func TestFinalize_UpdatesStartCommentInsteadOfPostingNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	vcs := &fakeVcs{}
	o := &Orchestrator{Blobs: blobs, Vcs: vcs, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusSucceeded, MustSucceed: true,
			PRReference: order.PRReference{"number": 42}, VcsCommentID: "comment-42"},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, false, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vcs.comments) != 0 {
		t.Errorf("expected no new comment posted, got %d", len(vcs.comments))
	}
	if len(vcs.updates) != 1 || vcs.updates[0] != "comment-42" {
		t.Errorf("expected the start comment updated, got %+v", vcs.updates)
	}
}

func TestFinalize_FallsBackToFindCommentByTagWhenIDMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	vcs := &fakeVcs{found: "comment-7"}
	o := &Orchestrator{Blobs: blobs, Vcs: vcs, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusSucceeded, MustSucceed: true,
			PRReference: order.PRReference{"number": 42}},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, false, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vcs.comments) != 0 {
		t.Errorf("expected no new comment posted, got %d", len(vcs.comments))
	}
	if len(vcs.updates) != 1 || vcs.updates[0] != "comment-7" {
		t.Errorf("expected the located start comment updated, got %+v", vcs.updates)
	}
}

func TestFinalize_TimedOutOverridesAggregateStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Blobs: blobs, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusSucceeded, MustSucceed: true},
		{RunID: "run1", OrderNum: "0002", Name: "b", Status: order.StatusTimedOut, MustSucceed: true},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, true, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, _, err := blobs.Get(ctx, blob.DonePath("run1"))
	if err != nil {
		t.Fatal(err)
	}
	var marker doneMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		t.Fatal(err)
	}
	if marker.Status != order.StatusTimedOut {
		t.Errorf("expected aggregate status timed_out, got %s", marker.Status)
	}
}

// TestFinalize_IndependentFailureOverridesJobTimeout covers a must_succeed
// order that failed on its own account (not via a timeout) while the
// job-level deadline separately elapsed because an unrelated order was still
// running. The independent failure must win: reporting timed_out here would
// hide that cmds:["false"] actually failed.
func TestFinalize_IndependentFailureOverridesJobTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	blobs, err := blob.NewFSStore(tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Blobs: blobs, Events: newDiscardEventsRepo()}

	orders := []order.Order{
		{RunID: "run1", OrderNum: "0001", Name: "a", Status: order.StatusFailed, MustSucceed: true},
		{RunID: "run1", OrderNum: "0002", Name: "b", Status: order.StatusTimedOut, MustSucceed: false},
	}
	builder := order.NewEventBuilder("run1", "trace1", "flow1", "test")

	if err := o.finalize(ctx, "run1", orders, true, builder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, _, err := blobs.Get(ctx, blob.DonePath("run1"))
	if err != nil {
		t.Fatal(err)
	}
	var marker doneMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		t.Fatal(err)
	}
	if marker.Status != order.StatusFailed {
		t.Errorf("expected aggregate status failed despite job-level timeout, got %s", marker.Status)
	}
}

// discardEventsRepo is a minimal store.EventsRepo that drops everything, for
// finalize tests that only care about the blob and VCS side effects.
type discardEventsRepo struct{}

func newDiscardEventsRepo() *discardEventsRepo { return &discardEventsRepo{} }

func (d *discardEventsRepo) Put(ctx context.Context, e order.Event) error { return nil }

func (d *discardEventsRepo) QueryByTrace(ctx context.Context, traceID, sortKeyPrefix string) ([]order.Event, error) {
	return nil, nil
}

func (d *discardEventsRepo) QueryByOrderName(ctx context.Context, traceID, orderName string) ([]order.Event, error) {
	return nil, nil
}
