package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/blob"
	"ordkernel/internal/order"
)

// doneMarker is the payload written to the C2 done path at finalisation,
// per §4.4 step 5 — the artifact a polling submitter or kernelctl reads to
// learn a run's outcome without touching the state store directly.
type doneMarker struct {
	RunID   string        `json:"run_id"`
	Status  order.Status  `json:"status"`
	Summary order.Summary `json:"summary"`
}

// finalize implements §4.4 step 5: once every order is terminal (or the
// job-level deadline has elapsed), compute the aggregate status, write the
// done marker, notify the VCS provider, emit job_completed, and best-effort
// clean up ephemeral keys. Finalisation is itself idempotent — writing the
// same done marker twice is harmless — so it is safe to re-run if a crash
// happens between steps.
func (o *Orchestrator) finalize(ctx context.Context, runID string, orders []order.Order, timedOut bool, builder *order.EventBuilder) error {
	logger := slog.With("component", "orchestrator", "runId", runID)

	status := order.AggregateStatus(orders, timedOut)
	summary := order.Summarize(orders)

	marker := doneMarker{RunID: runID, Status: status, Summary: summary}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal done marker: %w", err)
	}
	if err := o.Blobs.Put(ctx, blob.DonePath(runID), data); err != nil {
		return fmt.Errorf("write done marker: %w", err)
	}

	o.emit(ctx, builder.JobCompleted(status, summary))

	if o.Vcs != nil && len(orders) > 0 {
		pr := orders[0].PRReference
		if pr != nil {
			body := fmt.Sprintf("Run %s finished: %s (%d succeeded, %d failed, %d timed out)",
				runID, status, summary.Succeeded, summary.Failed, summary.TimedOut)

			commentID := orders[0].VcsCommentID
			if commentID == "" {
				if id, ok, err := o.Vcs.FindCommentByTag(ctx, "", pr, runID, ""); err != nil {
					logger.Warn("failed to locate start comment", "error", err)
				} else if ok {
					commentID = id
				}
			}

			if commentID != "" {
				if err := o.Vcs.UpdateComment(ctx, "", commentID, body, ""); err != nil {
					logger.Warn("failed to update finalisation comment", "error", err)
				}
			} else if _, err := o.Vcs.CreateComment(ctx, "", pr, body, ""); err != nil {
				logger.Warn("failed to post finalisation comment", "error", err)
			}
		}
	}

	if o.Keys != nil {
		if err := o.Keys.CleanupRun(ctx, runID); err != nil {
			// Best-effort per §9 Open Question 3: a partially cleaned run
			// is not an error.
			logger.Warn("ephemeral key cleanup failed", "error", err)
		}
	}

	logger.Info("run finalised", "status", status, "succeeded", summary.Succeeded, "failed", summary.Failed, "timedOut", summary.TimedOut)
	return nil
}
