// Package telemetry configures OpenTelemetry tracing for the aggregator.
//
// Spans cover the three call layers: inbound HTTP requests, queued job
// execution, and outbound provider calls. Custom span attributes use the
// `toshokan.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "toshokan.dev/core"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("toshokan"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRequestSpan creates the server span for one inbound HTTP request.
func StartRequestSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "http.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndRequestSpan records the response status and closes the span.
func EndRequestSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
	}
	span.End()
}

// StartJobSpan creates the parent span for one queued job execution.
func StartJobSpan(ctx context.Context, jobType, jobID, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("toshokan.job_type", jobType),
			attribute.String("toshokan.job_id", jobID),
			attribute.String("toshokan.provider", provider),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndJobSpan enriches the job span with its terminal status.
func EndJobSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("toshokan.job_status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartProviderSpan creates a child span for one outbound provider call.
func StartProviderSpan(ctx context.Context, provider, op string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "provider.call",
		trace.WithAttributes(
			attribute.String("toshokan.provider", provider),
			attribute.String("toshokan.operation", op),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndProviderSpan records the call outcome and closes the span.
func EndProviderSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
