package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/internal/idgen"
	"tracelog/internal/metrics"
	"tracelog/internal/models"
	"tracelog/internal/sink"
	"tracelog/internal/store"
	"tracelog/internal/store/memory"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type captureSink struct {
	mu     sync.Mutex
	events []models.TraceEvent
	logs   []models.LogRecord
	err    error
}

func (c *captureSink) WriteEvent(_ context.Context, e models.TraceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *captureSink) WriteLog(_ context.Context, l models.LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
	return c.err
}

func (c *captureSink) Close() error { return nil }

func newTestTracer(t *testing.T, opts ...Option) (*Tracer, *memory.Store, *fakeClock) {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { s.Close() })
	clock := newFakeClock(5 * time.Millisecond)
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(&idgen.Sequence{Prefix: "id-"}),
	}, opts...)
	return New(s, opts...), s, clock
}

func actions(events []models.TraceEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func TestStartAndEndTrace(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat", Metadata: models.Metadata{"model": "gpt"}})
	assert.Equal(t, "id-000001", spanID)

	open, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, open.Status)
	assert.True(t, open.IsOpen())

	tr.EndTrace(ctx, spanID, models.StatusSuccess, nil)

	closed, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, closed.Status)
	require.NotNil(t, closed.EndTime)
	require.NotNil(t, closed.Duration)
	assert.Equal(t, closed.EndTime.Sub(closed.StartTime).Milliseconds(), *closed.Duration)
	assert.Positive(t, *closed.Duration)
	assert.Equal(t, "gpt", closed.Metadata["model"])

	events, err := s.ListEventsByTraceID(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, []string{ActionTraceStart, ActionTraceEnd}, actions(events))
	assert.Equal(t, "Started trace: chat", events[0].Message)
	assert.Equal(t, "gpt", events[0].Data["model"])
	assert.Equal(t, fmt.Sprintf("Ended trace: chat (success) - %dms", *closed.Duration), events[1].Message)
	assert.Equal(t, models.LevelInfo, events[1].Level)
	assert.EqualValues(t, *closed.Duration, events[1].Data["duration"])
	assert.Equal(t, "success", events[1].Data["status"])
}

func TestRequestScenario(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat"})
	tr.LogEvent(ctx, EventParams{TraceID: "req-1", Level: models.LevelInfo, Component: "Worker", Action: "fetch", Message: "first"})
	tr.LogEvent(ctx, EventParams{TraceID: "req-1", Level: models.LevelDebug, Component: "Worker", Action: "parse", Message: "second"})
	tr.EndTrace(ctx, spanID, models.StatusSuccess, nil)

	events, err := s.ListEventsByTraceID(ctx, "req-1")
	require.NoError(t, err)

	// The two caller events sit between the lifecycle anchors, in call order.
	require.Equal(t, []string{ActionTraceStart, "fetch", "parse", ActionTraceEnd}, actions(events))
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}

	traces, err := s.ListTraces(ctx, models.TraceFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, models.StatusSuccess, traces[0].Status)
	assert.NotNil(t, traces[0].Duration)
}

func TestEndTraceUnknownSpan(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	assert.NotPanics(t, func() {
		tr.EndTrace(ctx, "ghost", models.StatusSuccess, models.Metadata{"k": "v"})
	})

	traces, err := s.ListTraces(ctx, models.TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, traces)
	counts, err := s.Count(ctx, models.CountQuery{Kind: models.KindEvent})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, counts)
}

func TestEndTraceRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat"})
	tr.EndTrace(ctx, spanID, models.StatusStarted, nil)
	tr.EndTrace(ctx, spanID, "paused", nil)

	got, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, got.Status)
	assert.Nil(t, got.EndTime)
}

func TestEndTraceMergesMetadata(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{
		TraceID: "req-1", Component: "Worker", Name: "chat",
		Metadata: models.Metadata{"a": 1, "b": "open"},
	})
	tr.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"b": "close", "c": true})

	got, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)
	want := models.Metadata{"a": float64(1), "b": "close", "c": true}
	if diff := cmp.Diff(want, got.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	events, err := s.ListEventsByTraceID(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.LevelError, events[1].Level)
	assert.Equal(t, "close", events[1].Data["b"])
	assert.Equal(t, "error", events[1].Data["status"])
}

// Closing twice is a known race: the later write wins, nothing errors.
func TestEndTraceTwiceOverwrites(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat"})
	tr.EndTrace(ctx, spanID, models.StatusSuccess, models.Metadata{"attempt": 1})
	first, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)

	tr.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"attempt": 2})
	second, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, second.Status)
	assert.EqualValues(t, 2, second.Metadata["attempt"])
	assert.Greater(t, *second.Duration, *first.Duration)
	assert.Equal(t, second.EndTime.Sub(second.StartTime).Milliseconds(), *second.Duration)
}

func TestEndTraceClampsBackwardsClock(t *testing.T) {
	ctx := context.Background()
	tr, s, clock := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat"})
	clock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	tr.EndTrace(ctx, spanID, models.StatusSuccess, nil)

	got, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *got.Duration)
	assert.True(t, got.EndTime.Equal(got.StartTime))
}

func TestLogSerializesError(t *testing.T) {
	ctx := context.Background()
	capture := &captureSink{}
	tr, s, _ := newTestTracer(t, WithSink(capture))

	inner := errors.New("connection refused")
	tr.Error(ctx, "provider call failed", LogContext{
		Component: "ChatAgent",
		TraceID:   "req-7",
		UserID:    "user-1",
		SessionID: "sess-1",
		RequestID: "http-1",
		Metadata:  models.Metadata{"attempt": 3},
	}, fmt.Errorf("call provider: %w", inner))

	logs, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	l := logs[0]
	assert.Equal(t, models.LevelError, l.Level)
	assert.Equal(t, "req-7", l.TraceID)
	assert.Equal(t, "sess-1", l.SessionID)
	require.NotNil(t, l.Error)
	assert.Equal(t, "*fmt.wrapError", l.Error.Name)
	assert.Equal(t, "call provider: connection refused", l.Error.Message)
	assert.Contains(t, l.Error.Stack, "connection refused")

	require.Len(t, capture.logs, 1)
	assert.Equal(t, "provider call failed", capture.logs[0].Message)
}

func TestConvenienceLevels(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)
	lc := LogContext{Component: "API"}

	tr.Debug(ctx, "d", lc)
	tr.Info(ctx, "i", lc)
	tr.Warn(ctx, "w", lc)
	tr.Error(ctx, "e", lc, nil)
	tr.Fatal(ctx, "f", lc, errors.New("fatal"))

	logs, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	got := map[string]models.Level{}
	for _, l := range logs {
		got[l.Message] = l.Level
	}
	assert.Equal(t, map[string]models.Level{
		"d": models.LevelDebug,
		"i": models.LevelInfo,
		"w": models.LevelWarn,
		"e": models.LevelError,
		"f": models.LevelFatal,
	}, got)
}

func TestLogPicksTraceIDFromContext(t *testing.T) {
	tr, s, _ := newTestTracer(t)
	ctx := ContextWithTraceID(context.Background(), "req-ctx")

	tr.Info(ctx, "hello", LogContext{Component: "API"})

	logs, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "req-ctx", logs[0].TraceID)
}

func TestMalformedMetadataIsReplaced(t *testing.T) {
	ctx := context.Background()
	tr, s, _ := newTestTracer(t)

	spanID := tr.StartTrace(ctx, TraceContext{
		TraceID: "req-1", Component: "Worker", Name: "chat",
		Metadata: models.Metadata{"callback": func() {}},
	})
	got, err := s.GetTrace(ctx, spanID)
	require.NoError(t, err, "the span must still be written")
	assert.Contains(t, got.Metadata["_error"], "unserializable")

	tr.LogEvent(ctx, EventParams{
		TraceID: "req-1", Level: models.LevelInfo, Component: "Worker", Action: "step", Message: "m",
		Data: models.Metadata{"ch": make(chan int)},
	})
	events, err := s.ListEventsByTraceID(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, events[1].Data["_error"], "unserializable")
}

func TestEventsPersistInCallOrderAcrossFlows(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	tr := New(s)

	const flows, steps = 10, 20
	var wg sync.WaitGroup
	for f := 0; f < flows; f++ {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			traceID := fmt.Sprintf("flow-%d", f)
			_ = Run(ctx, tr, TraceContext{TraceID: traceID, Component: "Worker", Name: "job"}, func(ctx context.Context, traceID string) error {
				for i := 0; i < steps; i++ {
					tr.LogEvent(ctx, EventParams{TraceID: traceID, Level: models.LevelInfo, Component: "Worker", Action: fmt.Sprintf("step-%02d", i), Message: "m"})
				}
				return nil
			})
		}(f)
	}
	wg.Wait()

	for f := 0; f < flows; f++ {
		events, err := s.ListEventsByTraceID(ctx, fmt.Sprintf("flow-%d", f))
		require.NoError(t, err)
		require.Len(t, events, steps+2)
		assert.Equal(t, ActionTraceStart, events[0].Action)
		assert.Equal(t, ActionTraceEnd, events[len(events)-1].Action)
		for i := 0; i < steps; i++ {
			assert.Equal(t, fmt.Sprintf("step-%02d", i), events[i+1].Action)
		}
	}
}

// failingStore fails every call.
type failingStore struct {
	store.Store
	calls int
	mu    sync.Mutex
}

var errUnavailable = errors.New("store unavailable")

func (f *failingStore) hit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errUnavailable
}

func (f *failingStore) InsertTrace(context.Context, *models.Trace) error { return f.hit() }
func (f *failingStore) GetTrace(context.Context, string) (*models.Trace, error) {
	return nil, f.hit()
}
func (f *failingStore) UpdateTrace(context.Context, string, models.TraceUpdate) error {
	return f.hit()
}
func (f *failingStore) InsertEvent(context.Context, *models.TraceEvent) error { return f.hit() }
func (f *failingStore) InsertLog(context.Context, *models.LogRecord) error    { return f.hit() }

func TestStoreFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{}
	capture := &captureSink{}
	m := metrics.New("test")
	tr := New(fs, WithSink(capture), WithMetrics(m), WithIDGenerator(&idgen.Sequence{Prefix: "span-"}))

	var spanID string
	assert.NotPanics(t, func() {
		spanID = tr.StartTrace(ctx, TraceContext{TraceID: "req-1", Component: "Worker", Name: "chat"})
		tr.LogEvent(ctx, EventParams{TraceID: "req-1", Level: models.LevelInfo, Component: "Worker", Action: "step", Message: "m"})
		tr.Info(ctx, "hello", LogContext{Component: "Worker"})
		tr.EndTrace(ctx, spanID, models.StatusSuccess, nil)
	})
	assert.Equal(t, "span-000001", spanID, "the span id is returned even when the insert failed")

	// Persistence and mirroring are independent.
	assert.Len(t, capture.events, 1)
	assert.Len(t, capture.logs, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("start_trace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("log_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("end_trace")))

	err := Run(ctx, tr, TraceContext{TraceID: "req-2", Component: "Worker", Name: "job"}, func(context.Context, string) error {
		return nil
	})
	assert.NoError(t, err, "a healthy operation stays healthy when the store is down")
}

func TestSinkFailureDoesNotAffectPersistence(t *testing.T) {
	ctx := context.Background()
	capture := &captureSink{err: errors.New("sink down")}
	m := metrics.New("test")
	tr, s, _ := newTestTracer(t, WithSink(capture), WithMetrics(m))

	tr.Info(ctx, "still stored", LogContext{Component: "API"})

	logs, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkDropped.WithLabelValues("mirror")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsWritten.WithLabelValues("logs")))
}

// panickingStore panics on every write.
type panickingStore struct {
	store.Store
}

func (panickingStore) InsertLog(context.Context, *models.LogRecord) error { panic("driver bug") }

func TestPanickingStoreIsContained(t *testing.T) {
	tr := New(panickingStore{})
	assert.NotPanics(t, func() {
		tr.Info(context.Background(), "hello", LogContext{Component: "API"})
	})
}

func TestSerializeError(t *testing.T) {
	assert.Nil(t, SerializeError(nil))

	plain := SerializeError(errors.New("boom"))
	assert.Equal(t, "*errors.errorString", plain.Name)
	assert.Equal(t, "boom", plain.Message)
	assert.Empty(t, plain.Stack)

	wrapped := SerializeError(fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", errors.New("root"))))
	assert.Equal(t, "outer: middle: root", wrapped.Message)
	assert.Equal(t, "*fmt.wrapError: middle: root\n*errors.errorString: root", wrapped.Stack)
}

func TestNewDefaults(t *testing.T) {
	tr := New(memory.New(), WithSink(nil))
	assert.NotNil(t, tr.ids)
	assert.Equal(t, sink.Nop{}, tr.sink)
}
