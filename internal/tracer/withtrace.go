package tracer

import (
	"context"
	"fmt"

	"tracelog/internal/models"
)

// WithTrace opens a span, runs fn and closes the span exactly once.
//
// fn receives a context carrying tc.TraceID and the trace id itself. On
// success the span closes as success and fn's result is returned unchanged.
// On error it closes as error with {"error": err.Error()} and the same error
// value is returned. A panic closes the span as error and is re-raised.
func WithTrace[T any](ctx context.Context, t *Tracer, tc TraceContext, fn func(ctx context.Context, traceID string) (T, error)) (result T, err error) {
	if t == nil {
		return fn(ctx, tc.TraceID)
	}

	spanID := t.StartTrace(ctx, tc)
	fctx := ContextWithTraceID(ctx, tc.TraceID)

	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		if r == nil {
			// fn called runtime.Goexit.
			t.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"error": "operation exited without returning"})
			return
		}
		t.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"error": fmt.Sprintf("panic: %v", r)})
		panic(r)
	}()

	result, err = fn(fctx, tc.TraceID)
	returned = true

	if err != nil {
		t.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"error": err.Error()})
		return result, err
	}
	t.EndTrace(ctx, spanID, models.StatusSuccess, nil)
	return result, nil
}

// Run is WithTrace for operations without a result.
func Run(ctx context.Context, t *Tracer, tc TraceContext, fn func(ctx context.Context, traceID string) error) error {
	_, err := WithTrace(ctx, t, tc, func(ctx context.Context, traceID string) (struct{}, error) {
		return struct{}{}, fn(ctx, traceID)
	})
	return err
}
