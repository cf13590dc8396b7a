// Package admission implements the job admission pipeline (C3): receive,
// validate, package per-order credentials, persist state, and emit the
// start signal. Mirrors the teacher's job.Service.Create structure
// (applyDefaults -> validate -> act) generalised from one container job to
// N orders with dependency-graph validation.
package admission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/blob"
	"ordkernel/internal/observability"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const defaultJobTimeoutS = 3600

// defaultCallbackTTL is the default validity window for presigned callback
// write URLs, per §4.2.
const defaultCallbackTTL = 2 * time.Hour

// Store bundles the C1 collections admission writes to.
type Store struct {
	Orders store.OrdersRepo
	Events store.EventsRepo
}

// Service implements the admission pipeline.
type Service struct {
	schema        *SchemaValidator
	store         Store
	blobs         blob.Store
	packDeps      PackagingDeps
	vcs           VcsProvider
	metrics       *observability.Metrics
	defaultTarget order.Target
}

// NewService constructs an admission Service. defaultTarget is the
// WORKER_TARGET fallback consulted by resolveTarget when an order supplies
// neither execution_target nor the legacy use_lambda flag; empty means no
// fallback is configured.
func NewService(schema *SchemaValidator, st Store, blobs blob.Store, packDeps PackagingDeps, vcs VcsProvider, metrics *observability.Metrics, defaultTarget order.Target) *Service {
	return &Service{schema: schema, store: st, blobs: blobs, packDeps: packDeps, vcs: vcs, metrics: metrics, defaultTarget: defaultTarget}
}

// Create runs the full admission pipeline of §4.3 over a raw job descriptor
// envelope (either {"job_parameters_b64": "..."} or the raw JSON
// descriptor). Fail-fast: on any validation failure the entire job is
// aborted before persistence.
func (s *Service) Create(ctx context.Context, rawEnvelope []byte) (*Result, error) {
	ctx, span := observability.Tracer.Start(ctx, "admission.create")
	defer span.End()

	raw, err := decodeEnvelope(rawEnvelope)
	if err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}}
	}

	if s.schema != nil {
		if err := s.schema.Validate(raw); err != nil {
			return nil, &ValidationError{Errors: []string{err.Error()}}
		}
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("malformed job descriptor: %v", err)}}
	}
	applyJobDefaults(&d)

	orders, err := validateDescriptor(&d, s.defaultTarget)
	if err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}}
	}

	runID, traceID, flowID := allocateIdentifiers(&d)
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("trace_id", traceID))
	logger := slog.With("component", "admission", "runId", runID, "traceId", traceID)

	jobCreatedAt := time.Now().UTC()
	for i := range orders {
		orders[i].RunID = runID
		orders[i].FlowID = flowID
		orders[i].TraceID = traceID
		orders[i].JobTimeoutS = d.JobTimeoutS
		orders[i].JobCreatedAt = jobCreatedAt
		orders[i].CreatedAt = jobCreatedAt
		orders[i].PRReference = d.PRReference
	}

	for i := range orders {
		if err := packageOrder(ctx, runID, d.EncryptionKeyRef, &orders[i], s.packDeps); err != nil {
			logger.Error("order packaging failed", "orderNum", orders[i].OrderNum, "error", err)
			return nil, fmt.Errorf("package order %s: %w", orders[i].DisplayName(), err)
		}
	}

	var commentID string
	if s.vcs != nil && d.PRReference != nil {
		id, err := s.vcs.CreateComment(ctx, "", d.PRReference, fmt.Sprintf("Run %s started", runID), "")
		if err != nil {
			logger.Warn("failed to post start comment", "error", err)
		} else {
			commentID = id
			for i := range orders {
				orders[i].VcsCommentID = commentID
			}
		}
	}

	for i := range orders {
		if err := s.store.Orders.Put(ctx, orders[i]); err != nil {
			logger.Error("persist order failed", "orderNum", orders[i].OrderNum, "error", err)
			return nil, fmt.Errorf("persist order %s: %w", orders[i].DisplayName(), err)
		}
	}

	builder := order.NewEventBuilder(runID, traceID, flowID, "kernel/admission")
	if err := s.store.Events.Put(ctx, builder.JobStarted()); err != nil {
		logger.Warn("failed to write job_started event", "error", err)
	}

	// §4.3 stage 5: emit the start signal — a stub write to the sentinel
	// order_num 0000 result path, which triggers the first orchestrator
	// invocation via the artifact store's notification port.
	stub, _ := json.Marshal(map[string]any{"status": "start"})
	if err := s.blobs.Put(ctx, blob.CallbackPath(runID, blob.StartSignalOrderNum), stub); err != nil {
		logger.Error("failed to emit start signal", "error", err)
		return nil, fmt.Errorf("emit start signal: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, string(s.defaultTarget))
	}

	logger.Info("job admitted", "orders", len(orders))

	return &Result{
		Status:  "ok",
		RunID:   runID,
		TraceID: traceID,
		FlowID:  flowID,
		DoneURI: blob.DonePath(runID),
	}, nil
}

// ValidationError is returned for malformed or semantically invalid job
// descriptors, surfaced synchronously to the submitter as HTTP 400.
type ValidationError struct {
	Errors  []string
	RunID   string
	TraceID string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Errors)
}

func decodeEnvelope(rawEnvelope []byte) ([]byte, error) {
	var wrapper struct {
		JobParametersB64 string `json:"job_parameters_b64"`
	}
	if err := json.Unmarshal(rawEnvelope, &wrapper); err == nil && wrapper.JobParametersB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(wrapper.JobParametersB64)
		if err != nil {
			return nil, fmt.Errorf("invalid job_parameters_b64: %w", err)
		}
		return decoded, nil
	}
	return rawEnvelope, nil
}

func applyJobDefaults(d *Descriptor) {
	if d.JobTimeoutS <= 0 {
		d.JobTimeoutS = defaultJobTimeoutS
	}
	if d.FlowLabel == "" {
		d.FlowLabel = "exec"
	}
}
