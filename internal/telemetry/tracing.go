// Package telemetry configures OpenTelemetry tracing for sqlpulse.
//
// Span attributes use the `sqlpulse.` prefix.
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

const (
	tracerName  = "github.com/marcus-qen/sqlpulse"
	serviceName = "sqlpulse"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC trace provider for endpoint.
// An empty endpoint leaves the global noop provider in place.
// The returned shutdown function flushes pending spans.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
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

// StartQuerySpan creates the parent span for one query execution.
func StartQuerySpan(ctx context.Context, queryID, kind string, chunkSize int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "query.run",
		trace.WithAttributes(
			attribute.String("sqlpulse.query_id", queryID),
			attribute.String("sqlpulse.statement_kind", kind),
			attribute.Int("sqlpulse.chunk_size", chunkSize),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndQuerySpan records how the execution finished and ends the span.
func EndQuerySpan(span trace.Span, outcome string, rows int64, err error) {
	span.SetAttributes(
		attribute.String("sqlpulse.outcome", outcome),
		attribute.Int64("sqlpulse.rows", rows),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartEstimateSpan creates a child span for the row count estimate.
func StartEstimateSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "query.estimate")
}

// EndEstimateSpan records the estimate, or the reason none is available.
// A failed estimate does not fail the query, so the status stays unset.
func EndEstimateSpan(span trace.Span, total int64, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("sqlpulse.estimate_error", err.Error()))
	} else {
		span.SetAttributes(attribute.Int64("sqlpulse.total_rows", total))
	}
	span.End()
}

// StartExecuteSpan creates a child span for running the statement itself.
func StartExecuteSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "query.execute",
		trace.WithAttributes(
			attribute.String("sqlpulse.statement_kind", kind),
		),
	)
}

// EndExecuteSpan records the rows returned or affected and ends the span.
func EndExecuteSpan(span trace.Span, rows int64, err error) {
	span.SetAttributes(attribute.Int64("sqlpulse.rows", rows))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")
	}
	span.End()
}
