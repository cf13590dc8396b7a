// Package api provides the HTTP API handlers and routing for the kernel
// service: job admission, run status queries, the presigned callback
// ingestion endpoint, and blob retrieval for out-of-process workers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"ordkernel/internal/admission"
	"ordkernel/internal/apperrors"
	"ordkernel/internal/blob"
	"ordkernel/internal/dispatcher"
	"ordkernel/internal/health"
	"ordkernel/internal/observability"
	"ordkernel/internal/order"
	"ordkernel/internal/store"
	"ordkernel/pkg/cloudevent"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxCallbackBodySize bounds a presigned callback write; worker results are
// small JSON payloads, not bundle-sized.
const maxCallbackBodySize = 1 << 20

// Handler contains HTTP handlers for the kernel API.
type Handler struct {
	admission  *admission.Service
	orders     store.OrdersRepo
	blobs      blob.Store
	presigner  *blob.Presigner
	metrics    *observability.Metrics
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler.
func NewHandler(admissionSvc *admission.Service, orders store.OrdersRepo, blobs blob.Store, presigner *blob.Presigner, metrics *observability.Metrics, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		admission:  admissionSvc,
		orders:     orders,
		blobs:      blobs,
		presigner:  presigner,
		metrics:    metrics,
		health:     healthChecker,
		dispatcher: d,
	}
}

// CreateRun handles POST /init, POST /ssm, and POST /v1/runs: submits a job
// descriptor to admission. /init and /ssm are the wire-contract paths
// (spec.md §6); both run the same admission logic, since standard vs.
// remote-agent-only orders are distinguished by execution_target inside the
// descriptor, not by the submission route.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	result, err := h.admission.Create(r.Context(), raw)
	if err != nil {
		var verr *admission.ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusBadRequest, admission.ValidationFailure{
				Status:  "error",
				Errors:  verr.Errors,
				RunID:   verr.RunID,
				TraceID: verr.TraceID,
			})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// runStatusResponse is the GET /v1/runs/{runId} response shape: the done
// marker's fields when finalised, or a live snapshot of order state
// otherwise.
type runStatusResponse struct {
	RunID   string        `json:"run_id"`
	Status  order.Status  `json:"status"`
	Summary order.Summary `json:"summary"`
	Orders  []order.Order `json:"orders,omitempty"`
}

// GetRun handles GET /v1/runs/{runId}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	if data, ok, err := h.blobs.Get(r.Context(), blob.DonePath(runID)); err != nil {
		h.handleError(w, r, err)
		return
	} else if ok {
		var resp runStatusResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	orders, err := h.orders.GetAllForRun(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(orders) == 0 {
		h.handleError(w, r, apperrors.NotFound("run", runID))
		return
	}

	h.writeJSON(w, http.StatusOK, runStatusResponse{
		RunID:   runID,
		Status:  order.StatusRunning,
		Summary: order.Summarize(orders),
		Orders:  orders,
	})
}

// Callback handles PUT /callback: the presigned write endpoint a worker PUTs
// its terminal {status, log, execution_url} result to. Verifies the
// presigned path/expires/sig triple, then writes the body to the artifact
// store at the embedded path, which synchronously triggers the orchestrator
// via the store's notifier.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)

	q := r.URL.Query()
	path, expires, sig := q.Get("path"), q.Get("expires"), q.Get("sig")
	if err := h.presigner.VerifyWrite(path, expires, sig); err != nil {
		h.writeError(w, http.StatusForbidden, "invalid presigned callback URL: "+err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read callback body: "+err.Error())
		return
	}

	if err := h.blobs.Put(r.Context(), path, body); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBlob handles GET /internal/blobs/{path...}: raw artifact retrieval, used
// by out-of-process workers to fetch their execution bundle over HTTP. Not
// authenticated by API key — it is reachable only from the internal network
// the container/remote-agent backends run on, mirroring the trust boundary
// the teacher draws around /internal/events.
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, "blob path is required")
		return
	}

	data, ok, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "blob not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write blob response", "error", err)
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// ProxyEvent handles POST /internal/events - proxies pre-signed CloudEvents
// through the dispatcher, for a caller that cannot reach EVENTS_SINK
// directly. Kept alongside kernel.EventSinkPublisher's own direct dispatch
// path for lifecycle events.
func (h *Handler) ProxyEvent(w http.ResponseWriter, r *http.Request) {
	destURL := r.URL.Query().Get("url")
	if destURL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	// Extract pre-computed signature from caller
	signature := r.Header.Get("X-Signature-256")

	// Parse CloudEvent from body
	var event cloudevent.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid CloudEvent: "+err.Error())
		return
	}

	// Dispatch via the robust dispatcher with pre-computed signature
	if err := h.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     &event,
		Destination: destURL,
		Signature:   signature,
	}); err != nil {
		slog.Warn("Failed to dispatch proxied event", "error", err, "destination", destURL)
		// Still return OK - event was received, dispatch is async
	}

	w.WriteHeader(http.StatusAccepted)
}
