// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// KernelConfig holds process-wide configuration for cmd/kernel-service,
// cmd/order-worker, and cmd/remote-agent-gateway, built once at process
// start rather than read piecemeal from package-level state, per Design
// Notes §9.
type KernelConfig struct {
	Port        string
	MetricsPort string
	APIKey      string

	ShutdownDrainWait time.Duration

	// State store (C1) collection names, per spec.md §6.
	OrdersTable      string
	OrderEventsTable string
	LocksTable       string

	// Artifact store (C2) bucket names, per spec.md §6.
	InternalBucket string
	DoneBucket     string

	// WorkerTarget selects the default execution_target when an order omits
	// one and use_lambda is also absent.
	WorkerTarget string

	// WatchdogHandle is an opaque label recorded on dispatched orders'
	// watchdog_handle field when no concrete watchdog backend is wired.
	WatchdogHandle string

	// EventsSink is the CloudEvents delivery endpoint order/job lifecycle
	// events are forwarded to via pkg/cloudevent.Sender.
	EventsSink    string
	EventsSinkKey string

	WorkerImage    string
	DockerNetwork  string
	RemoteAgentURL string

	// CallbackProxyURL is the address out-of-process workers and the
	// presigned callback URL both reach this kernel-service instance on: it
	// backs both PUT /callback (worker result ingestion) and GET
	// /internal/blobs (bundle retrieval for the container backend).
	CallbackProxyURL string

	DefaultJobTimeoutS int
	CallbackTTL        time.Duration

	KeyStoreDir string
	BlobRoot    string
	WorkDir     string

	VcsBaseURL     string
	WebhookSecret  string

	// SubmissionRateLimit and SubmissionBurst bound POST /v1/runs per remote
	// address. Zero disables the limiter.
	SubmissionRateLimit float64
	SubmissionBurst     int

	// TracingEndpoint is the OTLP/HTTP collector address for admission and
	// orchestrator spans. Empty disables tracing.
	TracingEndpoint string
}

// LoadKernelConfig loads KernelConfig from environment variables.
func LoadKernelConfig() *KernelConfig {
	return &KernelConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		OrdersTable:      GetEnv("ORDERS_TABLE", "orders"),
		OrderEventsTable: GetEnv("ORDER_EVENTS_TABLE", "order_events"),
		LocksTable:       GetEnv("LOCKS_TABLE", "run_locks"),

		InternalBucket: GetEnv("INTERNAL_BUCKET", "kernel-internal"),
		DoneBucket:     GetEnv("DONE_BUCKET", "kernel-done"),

		WorkerTarget:   GetEnv("WORKER_TARGET", "container"),
		WatchdogHandle: GetEnv("WATCHDOG_HANDLE", "poll"),

		EventsSink:    GetEnv("EVENTS_SINK", ""),
		EventsSinkKey: GetSecretFile(GetEnv("EVENTS_SINK_KEY_FILE", "")),

		WorkerImage:      GetEnv("WORKER_IMAGE", "order-worker:latest"),
		DockerNetwork:    GetEnv("DOCKER_NETWORK", ""),
		RemoteAgentURL:   GetEnv("REMOTE_AGENT_GATEWAY_URL", "http://remote-agent-gateway:8090"),
		CallbackProxyURL: GetEnv("CALLBACK_PROXY_URL", ""),

		DefaultJobTimeoutS: GetIntEnv("DEFAULT_JOB_TIMEOUT_S", 3600),
		CallbackTTL:        GetDurationEnv("CALLBACK_TTL", 2*time.Hour),

		KeyStoreDir: GetEnv("KEY_STORE_DIR", "/var/lib/kernel/keys"),
		BlobRoot:    GetEnv("BLOB_ROOT", "/var/lib/kernel/blobs"),
		WorkDir:     GetEnv("WORK_DIR", "/tmp/kernel-work"),

		VcsBaseURL:    GetEnv("VCS_BASE_URL", ""),
		SubmissionRateLimit: GetFloatEnv("SUBMISSION_RATE_LIMIT", 0),
		SubmissionBurst:     GetIntEnv("SUBMISSION_BURST", 5),
		WebhookSecret: GetSecretFile(GetEnv("WEBHOOK_SECRET_FILE", "")),
		TracingEndpoint: GetEnv("TRACING_ENDPOINT", ""),
	}
}
