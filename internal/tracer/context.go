package tracer

import (
	"context"

	"github.com/chainguard-dev/clog"
)

type traceIDKey struct{}

// ContextWithTraceID stores the logical trace id and tags the context logger.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	ctx = context.WithValue(ctx, traceIDKey{}, traceID)
	return clog.WithLogger(ctx, clog.FromContext(ctx).With("trace_id", traceID))
}

// TraceIDFromContext returns the trace id set by ContextWithTraceID, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
