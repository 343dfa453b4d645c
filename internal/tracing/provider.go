package tracing

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/apitap/internal/logging"
)

// logExporter writes finished spans through the package logger instead of
// to a collector, adapted from stem/pkg/tracing/exporters.ConsoleExporter
// (same SpanExporter shape: ExportSpans/Shutdown), but actually emitting a
// line per span rather than discarding it, since this engine has no OTLP
// collector endpoint to default to.
type logExporter struct {
	logger logging.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	for _, span := range spans {
		e.logger.WithFields(map[string]any{
			"trace_id":    span.SpanContext().TraceID().String(),
			"span_id":     span.SpanContext().SpanID().String(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
		}).Debugf("span %s", span.Name())
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }

// NewProvider builds an SDK tracer provider that logs completed spans
// through logger, and registers it as this package's tracer via SetTracer.
// Call Shutdown on the returned provider during graceful shutdown to flush
// any spans still batched.
func NewProvider(logger logging.Logger) *trace.TracerProvider {
	tp := trace.NewTracerProvider(trace.WithBatcher(&logExporter{logger: logger}))
	SetTracer(tp.Tracer(instrumentationName))
	return tp
}
