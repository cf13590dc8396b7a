package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the package-wide tracer for admission and orchestrator spans,
// set by InitTracing. Left as the otel default (no-op) tracer if tracing was
// never initialised, so instrumented code never needs a nil check.
var Tracer trace.Tracer = otel.Tracer("ordkernel")

// InitTracing wires an OTLP/HTTP exporter into a TracerProvider, the same
// exporter family the teacher's otel dependency graph already carries for
// metrics. endpoint is the collector's OTLP/HTTP address; an empty endpoint
// leaves tracing a no-op. Returns a shutdown func the caller should defer.
func InitTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	Tracer = provider.Tracer("ordkernel")

	return provider.Shutdown, nil
}
