// Package tracer records traces, step events and logs on top of a store.Store.
//
// Every write is best effort: persistence and sink failures are reported to
// the context logger and the failure counter, then swallowed. Only business
// errors returned by a function wrapped with WithTrace reach the caller.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"tracelog/internal/idgen"
	"tracelog/internal/metrics"
	"tracelog/internal/models"
	"tracelog/internal/sink"
	"tracelog/internal/store"
)

const (
	ActionTraceStart = "trace_start"
	ActionTraceEnd   = "trace_end"
)

// TraceContext describes the span to open.
type TraceContext struct {
	TraceID   string
	ParentID  string
	Component string
	Name      string
	Metadata  models.Metadata
}

// Tracer is the lifecycle manager and recorder. It holds no locks; the store
// is the only shared state.
type Tracer struct {
	store        store.Store
	ids          idgen.Generator
	now          func() time.Time
	sink         sink.Sink
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithIDGenerator replaces the default ULID generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(t *Tracer) { t.ids = g }
}

// WithSink mirrors every event and log to s.
func WithSink(s sink.Sink) Option {
	return func(t *Tracer) { t.sink = s }
}

// WithMetrics counts writes and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracer) { t.metrics = m }
}

// WithWriteTimeout bounds each store call. Zero means no bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tracer) { t.writeTimeout = d }
}

// New returns a Tracer writing to s.
func New(s store.Store, opts ...Option) *Tracer {
	t := &Tracer{
		store: s,
		now:   time.Now,
		sink:  sink.Nop{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ids == nil {
		t.ids = idgen.NewULID(t.now)
	}
	if t.sink == nil {
		t.sink = sink.Nop{}
	}
	return t
}

// writeContext detaches ctx from the caller's cancellation so a cancelled
// request can still record its terminal state.
func (t *Tracer) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if t.writeTimeout > 0 {
		return context.WithTimeout(ctx, t.writeTimeout)
	}
	return ctx, func() {}
}

func (t *Tracer) reportFailure(ctx context.Context, op string, err error) {
	clog.FromContext(ctx).With("op", op).With("error", err.Error()).Warn("observability write failed")
	t.metrics.RecordStoreFailure(op)
}

// guard must be deferred directly by every public entry point.
func (t *Tracer) guard(ctx context.Context, op string) {
	if r := recover(); r != nil {
		t.reportFailure(ctx, op, fmt.Errorf("panic: %v", r))
	}
}

// StartTrace opens a span and returns its id. The id is returned even when
// the span could not be persisted.
func (t *Tracer) StartTrace(ctx context.Context, tc TraceContext) (spanID string) {
	spanID = t.ids.NewID()
	defer t.guard(ctx, "start_trace")

	now := t.now()
	tr := &models.Trace{
		ID:        spanID,
		TraceID:   tc.TraceID,
		ParentID:  tc.ParentID,
		Name:      tc.Name,
		Component: tc.Component,
		Status:    models.StatusStarted,
		StartTime: now,
		Metadata:  t.safeMetadata(ctx, tc.Metadata),
		CreatedAt: now,
	}

	wctx, cancel := t.writeContext(ctx)
	err := t.store.InsertTrace(wctx, tr)
	cancel()
	if err != nil {
		t.reportFailure(ctx, "start_trace", fmt.Errorf("insert trace %s: %w", spanID, err))
		return spanID
	}
	t.metrics.RecordWrite(string(models.KindTrace))
	t.metrics.TraceStarted()

	t.LogEvent(ctx, EventParams{
		TraceID:   tc.TraceID,
		Level:     models.LevelInfo,
		Component: tc.Component,
		Action:    ActionTraceStart,
		Message:   "Started trace: " + tc.Name,
		Data:      tr.Metadata,
	})
	return spanID
}

// EndTrace closes a span with a terminal status, merging metadata over the
// metadata given at open.
//
// The read and the write are not atomic. Two concurrent closes of one span
// both succeed and the later write wins.
func (t *Tracer) EndTrace(ctx context.Context, spanID string, status models.Status, metadata models.Metadata) {
	defer t.guard(ctx, "end_trace")
	log := clog.FromContext(ctx).With("span_id", spanID)

	if !status.Terminal() {
		log.Errorf("end trace: status %q is not terminal", status)
		return
	}

	wctx, cancel := t.writeContext(ctx)
	defer cancel()

	tr, err := t.store.GetTrace(wctx, spanID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("end trace: unknown span")
		return
	}
	if err != nil {
		t.reportFailure(ctx, "end_trace", fmt.Errorf("get trace %s: %w", spanID, err))
		return
	}

	end := t.now()
	if end.Before(tr.StartTime) {
		end = tr.StartTime
	}
	elapsed := end.Sub(tr.StartTime)
	duration := elapsed.Milliseconds()

	merged := tr.Metadata
	if metadata != nil {
		metadata = t.safeMetadata(ctx, metadata)
		merged = tr.Metadata.Merge(metadata)
	}

	if err := t.store.UpdateTrace(wctx, spanID, models.TraceUpdate{
		Status:   status,
		EndTime:  end,
		Duration: duration,
		Metadata: merged,
	}); err != nil {
		t.reportFailure(ctx, "end_trace", fmt.Errorf("update trace %s: %w", spanID, err))
		return
	}
	t.metrics.TraceEnded(tr.Component, string(status), elapsed)

	level := models.LevelInfo
	if status == models.StatusError {
		level = models.LevelError
	}
	t.LogEvent(ctx, EventParams{
		TraceID:   tr.TraceID,
		Level:     level,
		Component: tr.Component,
		Action:    ActionTraceEnd,
		Message:   fmt.Sprintf("Ended trace: %s (%s) - %dms", tr.Name, status, duration),
		Data:      models.Metadata{"duration": duration, "status": string(status)}.Merge(metadata),
	})
}
