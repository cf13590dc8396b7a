package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Order metrics (Latency, Traffic, Errors, Saturation)
	OrderDuration    metric.Float64Histogram
	OrdersTotal      metric.Int64Counter
	OrderErrorsTotal metric.Int64Counter
	OrdersActive     metric.Int64UpDownCounter

	// Orchestrator metrics: lock contention (a run whose reconcile tick was
	// deferred to another in-flight invocation) and watchdog-forced timeouts.
	LockContentionTotal metric.Int64Counter
	WatchdogFiredTotal  metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ordkernel")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Order metrics
	m.OrderDuration, err = meter.Float64Histogram(
		"order_duration_seconds",
		metric.WithDescription("Order execution duration in seconds, from dispatch to terminal"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrdersTotal, err = meter.Int64Counter(
		"orders_total",
		metric.WithDescription("Total number of orders admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrderErrorsTotal, err = meter.Int64Counter(
		"order_errors_total",
		metric.WithDescription("Total number of orders that ended failed or timed_out"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrdersActive, err = meter.Int64UpDownCounter(
		"orders_active",
		metric.WithDescription("Number of currently dispatched orders (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockContentionTotal, err = meter.Int64Counter(
		"run_lock_contention_total",
		metric.WithDescription("Total reconcile ticks deferred due to run lock contention"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WatchdogFiredTotal, err = meter.Int64Counter(
		"watchdog_fired_total",
		metric.WithDescription("Total orders forced to timed_out by the watchdog backstop"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordOrderDispatched records an order being dispatched to a backend.
func (m *Metrics) RecordOrderDispatched(ctx context.Context, target string) {
	attrs := metric.WithAttributes(targetAttr(target))
	m.OrdersTotal.Add(ctx, 1, attrs)
	m.OrdersActive.Add(ctx, 1, attrs)
}

// RecordOrderTerminal records an order reaching a terminal status.
func (m *Metrics) RecordOrderTerminal(ctx context.Context, target string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(targetAttr(target), successAttr(success))
	m.OrderDuration.Record(ctx, durationSeconds, attrs)
	m.OrdersActive.Add(ctx, -1, metric.WithAttributes(targetAttr(target)))

	if !success {
		m.OrderErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a job admitted, keyed by its default worker
// target (a job may contain orders across several targets; this attributes
// admission volume to the configured default).
func (m *Metrics) RecordJobCreated(ctx context.Context, target string) {
	m.OrdersTotal.Add(ctx, 1, metric.WithAttributes(targetAttr(target)))
}

// RecordLockContention records a reconcile tick deferred to another
// in-flight invocation of the same run.
func (m *Metrics) RecordLockContention(ctx context.Context) {
	m.LockContentionTotal.Add(ctx, 1)
}

// RecordWatchdogFired records the watchdog forcing an order to timed_out.
func (m *Metrics) RecordWatchdogFired(ctx context.Context) {
	m.WatchdogFiredTotal.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
