package tracer

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"tracelog/internal/models"
	"tracelog/internal/sink"
)

// EventParams describes one step event.
type EventParams struct {
	TraceID      string
	Level        models.Level
	Component    string
	Action       string
	Message      string
	Data         models.Metadata
	CodeLocation string
}

// LogContext correlates a log record.
type LogContext struct {
	Component string
	TraceID   string
	UserID    string
	SessionID string
	RequestID string
	Metadata  models.Metadata
}

// LogEvent appends a step event under p.TraceID and mirrors it to the sink.
// It returns the generated event id.
func (t *Tracer) LogEvent(ctx context.Context, p EventParams) (eventID string) {
	eventID = t.ids.NewID()
	defer t.guard(ctx, "log_event")

	now := t.now()
	ev := &models.TraceEvent{
		TraceID:      p.TraceID,
		EventID:      eventID,
		Timestamp:    now,
		Level:        p.Level,
		Component:    p.Component,
		Action:       p.Action,
		Message:      p.Message,
		Data:         t.safeMetadata(ctx, p.Data),
		CodeLocation: p.CodeLocation,
		CreatedAt:    now,
	}

	wctx, cancel := t.writeContext(ctx)
	err := t.store.InsertEvent(wctx, ev)
	cancel()
	if err != nil {
		t.reportFailure(ctx, "log_event", fmt.Errorf("insert event %s: %w", eventID, err))
	} else {
		t.metrics.RecordWrite(string(models.KindEvent))
	}

	t.mirror(ctx, func(s sink.Sink) error { return s.WriteEvent(ctx, *ev) })
	return eventID
}

// Log appends a free-standing log record. A non-nil err is stored as
// {name, message, stack}.
func (t *Tracer) Log(ctx context.Context, level models.Level, message string, lc LogContext, err error) {
	defer t.guard(ctx, "log")

	now := t.now()
	rec := &models.LogRecord{
		Timestamp: now,
		Level:     level,
		Component: lc.Component,
		Message:   message,
		TraceID:   lc.TraceID,
		UserID:    lc.UserID,
		SessionID: lc.SessionID,
		RequestID: lc.RequestID,
		Error:     SerializeError(err),
		Metadata:  t.safeMetadata(ctx, lc.Metadata),
		CreatedAt: now,
	}
	if rec.TraceID == "" {
		rec.TraceID = TraceIDFromContext(ctx)
	}

	wctx, cancel := t.writeContext(ctx)
	werr := t.store.InsertLog(wctx, rec)
	cancel()
	if werr != nil {
		t.reportFailure(ctx, "log", fmt.Errorf("insert log: %w", werr))
	} else {
		t.metrics.RecordWrite(string(models.KindLog))
	}

	t.mirror(ctx, func(s sink.Sink) error { return s.WriteLog(ctx, *rec) })
}

func (t *Tracer) mirror(ctx context.Context, write func(sink.Sink) error) {
	err := write(t.sink)
	if err == nil {
		return
	}
	// Async sinks count their own drops.
	if !errors.Is(err, sink.ErrDropped) {
		t.metrics.RecordSinkDrop("mirror")
	}
	clog.FromContext(ctx).With("error", err.Error()).Debug("sink mirror failed")
}

func (t *Tracer) Debug(ctx context.Context, message string, lc LogContext) {
	t.Log(ctx, models.LevelDebug, message, lc, nil)
}

func (t *Tracer) Info(ctx context.Context, message string, lc LogContext) {
	t.Log(ctx, models.LevelInfo, message, lc, nil)
}

func (t *Tracer) Warn(ctx context.Context, message string, lc LogContext) {
	t.Log(ctx, models.LevelWarn, message, lc, nil)
}

func (t *Tracer) Error(ctx context.Context, message string, lc LogContext, err error) {
	t.Log(ctx, models.LevelError, message, lc, err)
}

// Fatal records at fatal level. It does not exit the process.
func (t *Tracer) Fatal(ctx context.Context, message string, lc LogContext, err error) {
	t.Log(ctx, models.LevelFatal, message, lc, err)
}
