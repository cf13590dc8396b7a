// kernel-service is the HTTP entry point for the orchestration kernel:
// admission (job submission), the artifact-store notification hook that
// drives the orchestrator, and the watchdog backstop, all in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"ordkernel/internal/admission"
	"ordkernel/internal/api"
	"ordkernel/internal/backend/container"
	"ordkernel/internal/backend/inline"
	"ordkernel/internal/backend/remoteagent"
	"ordkernel/internal/blob"
	"ordkernel/internal/config"
	"ordkernel/internal/dispatcher"
	"ordkernel/internal/health"
	"ordkernel/internal/kernel"
	"ordkernel/internal/observability"
	"ordkernel/internal/order"
	"ordkernel/internal/store/memory"
	"ordkernel/internal/watchdog"
	"ordkernel/internal/worker"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.LoadKernelConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	eventSink := kernel.NewEventSinkPublisher(eventDispatcher, cfg.EventsSink, cfg.EventsSinkKey)

	st := memory.New()
	watchdogSvc := watchdog.New(st.Orders, nil, metrics) // blobs wired below once constructed

	// The artifact store's notifier drives the orchestrator; the orchestrator
	// needs the artifact store to read callback results. Neither can be
	// fully constructed before the other, so the notifier closes over an
	// orchestrator pointer filled in once both exist.
	var orchestrator *kernel.Orchestrator
	notifier := func(ctx context.Context, path string) {
		if orchestrator == nil {
			return
		}
		if err := orchestrator.Reconcile(ctx, path); err != nil {
			slog.Error("reconcile failed", "path", path, "error", err)
		}
	}

	blobs, err := blob.NewFSStore(cfg.BlobRoot, notifier)
	if err != nil {
		return err
	}
	watchdogSvc = watchdog.New(st.Orders, blobs, metrics)

	presigner := blob.NewPresigner(cfg.CallbackProxyURL, cfg.WebhookSecret)

	keys, err := admission.NewKeyStore(cfg.KeyStoreDir)
	if err != nil {
		return err
	}

	// admissionVcs and orchestratorVcs stay nil interfaces when no VCS is
	// configured; admission.HTTPVcsProvider satisfies both seams directly; a
	// typed nil *HTTPVcsProvider must never be assigned to either, since a
	// nil pointer boxed in an interface is not itself a nil interface, and
	// both consumers rely on a plain != nil check.
	var admissionVcs admission.VcsProvider
	var orchestratorVcs kernel.VcsProvider
	if cfg.VcsBaseURL != "" {
		httpVcs := admission.NewHTTPVcsProvider(cfg.VcsBaseURL)
		admissionVcs = httpVcs
		orchestratorVcs = httpVcs
	}

	schema, err := admission.NewSchemaValidator()
	if err != nil {
		return err
	}

	admissionSvc := admission.NewService(schema, admission.Store{
		Orders: st.Orders,
		Events: st.Events,
	}, blobs, admission.PackagingDeps{
		Fetcher:     admission.NewGitCodeFetcher(cfg.WorkDir),
		Credentials: admission.NewEnvFileCredentialSource(),
		Blobs:       blobs,
		Keys:        keys,
		Presigner:   presigner,
		CallbackTTL: cfg.CallbackTTL,
	}, admissionVcs, metrics, order.Target(cfg.WorkerTarget))

	workerRunner := worker.NewRunner(worker.NewLocalBundleFetcher(blobs), keys, cfg.WorkDir)

	backends := map[order.Target]kernel.BackendDispatcher{
		order.TargetInline:      inline.New(workerRunner),
		order.TargetRemoteAgent: remoteagent.New(cfg.RemoteAgentURL),
	}
	if dockerClient, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()); err != nil {
		slog.Warn("docker client unavailable, container execution_target disabled", "error", err)
	} else {
		backends[order.TargetContainer] = container.New(dockerClient, cfg.WorkerImage, cfg.DockerNetwork, nil, cfg.CallbackProxyURL)
	}

	orchestrator = &kernel.Orchestrator{
		Orders:       st.Orders,
		Events:       st.Events,
		Locks:        st.Locks,
		Blobs:        blobs,
		Backends:     kernel.NewBackendRegistry(backends),
		Watchdog:     watchdogSvc,
		Vcs:          orchestratorVcs,
		Keys:         keys,
		Publish:      eventSink,
		Metrics:      metrics,
		LockTTLFloor: 30 * time.Second,
	}

	readiness := readinessCheckerFunc(func(ctx context.Context) error {
		return nil // in-process stores and filesystem-backed blob store have no external dependency to probe
	})
	healthChecker := health.NewChecker(readiness)

	router := api.NewRouter(api.RouterConfig{
		Admission:           admissionSvc,
		Orders:              st.Orders,
		Blobs:               blobs,
		Presigner:           presigner,
		Metrics:             metrics,
		HealthChecker:       healthChecker,
		Dispatcher:          eventDispatcher,
		APIKey:              cfg.APIKey,
		SubmissionRateLimit: cfg.SubmissionRateLimit,
		SubmissionBurst:     cfg.SubmissionBurst,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	maintenanceCtx, maintenanceCancel := context.WithCancel(ctx)
	defer maintenanceCancel()
	go st.RunMaintenance(maintenanceCtx, time.Minute)
	go watchdogSvc.Run(maintenanceCtx)

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: mark unready so load balancers drain traffic away.
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests.
	slog.Info("starting graceful shutdown")
	shutdown(25 * time.Second)
	maintenanceCancel()

	// Phase 3: drain the event dispatcher.
	slog.Info("draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("dispatcher stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)

	// Runs already dispatched continue on their backends and will report
	// their own outcomes via callback; the watchdog backstop stops with this
	// process and is not re-registered for them by a fresh instance, which
	// starts watchdogs only for orders it dispatches itself.
	slog.Info("in-flight runs will continue independently")
	slog.Info("shutdown complete")
	return nil
}

type readinessCheckerFunc func(ctx context.Context) error

func (f readinessCheckerFunc) Ready(ctx context.Context) error { return f(ctx) }
