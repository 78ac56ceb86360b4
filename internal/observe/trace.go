package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the engine.
const (
	AttrBlockBase  = "seekplay.block.base"
	AttrBlockIndex = "seekplay.block.index"
)

// Tracer returns the seekplay tracer from the global provider, so spans go
// wherever [InitProvider] (or a test) pointed it.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/MrWong99/seekplay")
}

// StartSpan starts a span named name. End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartBlockSpan starts a span for work on one cache block, tagged with the
// block's first sequence number and its pool slot.
func StartBlockSpan(ctx context.Context, name string, base int64, index int) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.Int64(AttrBlockBase, base),
		attribute.Int(AttrBlockIndex, index),
	))
}

// EndSpan ends span. A non-nil err is recorded on it and marks the span
// failed with status description desc.
func EndSpan(span trace.Span, err error, desc string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, desc)
	}
	span.End()
}

// CorrelationID is the hex trace ID of the span in ctx, "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger adds trace_id and span_id of the span in ctx to l. A nil l means
// slog.Default(). Without a span l is returned unchanged.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
