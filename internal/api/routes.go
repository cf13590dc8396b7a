package api

import (
	"net/http"
	"ordkernel/internal/admission"
	"ordkernel/internal/blob"
	"ordkernel/internal/dispatcher"
	"ordkernel/internal/health"
	"ordkernel/internal/observability"
	"ordkernel/internal/store"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Admission     *admission.Service
	Orders        store.OrdersRepo
	Blobs         blob.Store
	Presigner     *blob.Presigner
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string

	// SubmissionRateLimit bounds requests per second to /init, /ssm, and
	// /v1/runs, keyed by remote address, per SPEC_FULL.md §2's per-submitter
	// admission backpressure. Zero disables the limiter.
	SubmissionRateLimit float64
	SubmissionBurst     int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Admission, cfg.Orders, cfg.Blobs, cfg.Presigner, cfg.Metrics, cfg.HealthChecker, cfg.Dispatcher)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Internal endpoints - no auth (network-isolated): worker callback
	// ingestion, blob retrieval, and the events relay.
	mux.HandleFunc("PUT /callback", handler.Callback)
	mux.HandleFunc("GET /internal/blobs/{path...}", handler.GetBlob)
	mux.HandleFunc("POST /internal/events", handler.ProxyEvent)

	// Run endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	createRun := http.Handler(http.HandlerFunc(handler.CreateRun))
	if cfg.SubmissionRateLimit > 0 {
		createRun = RateLimitMiddleware(cfg.SubmissionRateLimit, cfg.SubmissionBurst)(createRun)
	}
	// spec.md §6 names /init (standard orders) and /ssm (remote-agent-only
	// orders) as the two submission paths; both terminate in the same
	// admission.Service.Create call, since the distinction is carried in the
	// job descriptor's execution_target, not the route. /v1/runs is kept as
	// an additional alias for callers already wired to it.
	mux.Handle("POST /init", authMiddleware(createRun))
	mux.Handle("POST /ssm", authMiddleware(createRun))
	mux.Handle("POST /v1/runs", authMiddleware(createRun))
	mux.Handle("GET /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.GetRun)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
