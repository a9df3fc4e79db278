package llm

import (
	"context"

	"github.com/google/uuid"

	"tracelog/internal/models"
	"tracelog/internal/tracer"
)

const tracedComponent = "LLM"

// Traced wraps a Provider so that every call runs inside a trace.
type Traced struct {
	next   Provider
	tracer *tracer.Tracer
}

// NewTraced decorates p. The trace id is taken from the context when one is
// set, otherwise a fresh one is generated.
func NewTraced(p Provider, t *tracer.Tracer) *Traced {
	return &Traced{next: p, tracer: t}
}

// Chat calls the wrapped provider inside WithTrace.
func (t *Traced) Chat(ctx context.Context, messages []Message) (string, error) {
	traceID := tracer.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = "llm-" + uuid.NewString()
	}

	tc := tracer.TraceContext{
		TraceID:   traceID,
		Component: tracedComponent,
		Name:      "chat:" + t.next.Name(),
		Metadata:  models.Metadata{"provider": t.next.Name(), "messages": len(messages)},
	}
	return tracer.WithTrace(ctx, t.tracer, tc, func(ctx context.Context, traceID string) (string, error) {
		reply, err := t.next.Chat(ctx, messages)
		if err != nil {
			t.tracer.LogEvent(ctx, tracer.EventParams{
				TraceID:   traceID,
				Level:     models.LevelError,
				Component: tracedComponent,
				Action:    "provider_error",
				Message:   err.Error(),
			})
			return "", err
		}
		t.tracer.LogEvent(ctx, tracer.EventParams{
			TraceID:   traceID,
			Level:     models.LevelInfo,
			Component: tracedComponent,
			Action:    "provider_reply",
			Message:   "Received reply from " + t.next.Name(),
			Data:      models.Metadata{"chars": len(reply)},
		})
		return reply, nil
	})
}

// Name returns the wrapped provider's name.
func (t *Traced) Name() string {
	return t.next.Name()
}
