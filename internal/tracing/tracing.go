// Package tracing adapts stem/pkg/tracing's package-level tracer and span
// helpers to this repository: a single otel.Tracer shared by the fetcher,
// sink writer, orchestrator, and scheduler stages.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Ramsey-B/apitap"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// SetTracer overrides the package tracer, used by main to wire a concrete
// SDK-backed tracer provider after startup.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a new span named spanName as a child of any span already
// present in ctx.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanName)
}

// GetActiveSpan returns the span recording in ctx, if any is active.
func GetActiveSpan(ctx context.Context) (trace.Span, bool) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.SpanContext().IsValid() {
		return nil, false
	}
	return span, true
}

// GetTraceID returns the hex trace ID of the active span in ctx, or "" if
// none is active.
func GetTraceID(ctx context.Context) string {
	span, ok := GetActiveSpan(ctx)
	if !ok {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the hex span ID of the active span in ctx, or "" if none
// is active.
func GetSpanID(ctx context.Context) string {
	span, ok := GetActiveSpan(ctx)
	if !ok {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
