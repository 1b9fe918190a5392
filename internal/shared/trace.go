package shared

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type traceIDContextKey struct{}

// ContextWithTraceID stores a caller supplied trace id, used when no span is active.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDContextKey{}, traceID)
}

// TraceIDFromContext returns the active span's trace id, falling back to the
// id stored with ContextWithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	id, _ := ctx.Value(traceIDContextKey{}).(string)
	return id
}
