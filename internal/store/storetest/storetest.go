// Package storetest holds the behavioural checks every store.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/internal/models"
	"tracelog/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTrace(id, traceID, component string, start time.Time) *models.Trace {
	return &models.Trace{
		ID:        id,
		TraceID:   traceID,
		Name:      "op-" + id,
		Component: component,
		Status:    models.StatusStarted,
		StartTime: start,
		Metadata:  models.Metadata{"origin": "suite"},
		CreatedAt: start,
	}
}

func newEvent(traceID, eventID string, ts time.Time) *models.TraceEvent {
	return &models.TraceEvent{
		TraceID:   traceID,
		EventID:   eventID,
		Timestamp: ts,
		Level:     models.LevelInfo,
		Component: "Worker",
		Action:    "step",
		Message:   "event " + eventID,
		CreatedAt: ts,
	}
}

func newLog(level models.Level, component string, ts time.Time) *models.LogRecord {
	return &models.LogRecord{
		Timestamp: ts,
		Level:     level,
		Component: component,
		Message:   fmt.Sprintf("%s from %s", level, component),
		CreatedAt: ts,
	}
}

// Run executes the suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"TraceRoundTrip", testTraceRoundTrip},
		{"UpdateTrace", testUpdateTrace},
		{"UpdateUnknownTrace", testUpdateUnknownTrace},
		{"RejectsMalformed", testRejectsMalformed},
		{"ListTracesOrderAndFilter", testListTraces},
		{"ListLogsOrderAndFilter", testListLogs},
		{"ListEventsAscending", testListEvents},
		{"Count", testCount},
		{"ConcurrentInserts", testConcurrentInserts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testTraceRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	tr := newTrace("span-1", "req-1", "Worker", base)
	tr.ParentID = "span-0"
	require.NoError(t, s.InsertTrace(ctx, tr))

	got, err := s.GetTrace(ctx, "span-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.TraceID)
	assert.Equal(t, "span-0", got.ParentID)
	assert.Equal(t, models.StatusStarted, got.Status)
	assert.True(t, got.StartTime.Equal(base))
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.Duration)
	assert.Equal(t, "suite", got.Metadata["origin"])

	_, err = s.GetTrace(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateTrace(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertTrace(ctx, newTrace("span-1", "req-1", "Worker", base)))

	end := base.Add(250 * time.Millisecond)
	require.NoError(t, s.UpdateTrace(ctx, "span-1", models.TraceUpdate{
		Status:   models.StatusSuccess,
		EndTime:  end,
		Duration: 250,
		Metadata: models.Metadata{"origin": "suite", "tokens": 42},
	}))

	got, err := s.GetTrace(ctx, "span-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.Duration)
	assert.True(t, got.EndTime.Equal(end))
	assert.Equal(t, int64(250), *got.Duration)
	assert.EqualValues(t, 42, got.Metadata["tokens"])
}

func testUpdateUnknownTrace(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.UpdateTrace(ctx, "ghost", models.TraceUpdate{
		Status:  models.StatusError,
		EndTime: base,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	traces, err := s.ListTraces(ctx, models.TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, traces, "updating an unknown span must not create a row")
}

func testRejectsMalformed(t *testing.T, s store.Store) {
	ctx := context.Background()

	bad := newTrace("span-1", "req-1", "Worker", base)
	bad.Status = "paused"
	assert.ErrorIs(t, s.InsertTrace(ctx, bad), store.ErrInvalidRecord)

	ev := newEvent("req-1", "ev-1", base)
	ev.Level = models.LevelFatal
	assert.ErrorIs(t, s.InsertEvent(ctx, ev), store.ErrInvalidRecord)

	lg := newLog(models.LevelInfo, "", base)
	assert.ErrorIs(t, s.InsertLog(ctx, lg), store.ErrInvalidRecord)

	unserializable := newTrace("span-2", "req-1", "Worker", base)
	unserializable.Metadata = models.Metadata{"fn": func() {}}
	assert.ErrorIs(t, s.InsertTrace(ctx, unserializable), store.ErrInvalidRecord)
}

func testListTraces(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		component := "Worker"
		if i%2 == 1 {
			component = "ChatAgent"
		}
		tr := newTrace(fmt.Sprintf("span-%d", i), fmt.Sprintf("req-%d", i), component, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.InsertTrace(ctx, tr))
	}
	require.NoError(t, s.UpdateTrace(ctx, "span-4", models.TraceUpdate{Status: models.StatusError, EndTime: base.Add(5 * time.Second), Duration: 1000}))

	all, err := s.ListTraces(ctx, models.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].StartTime.After(all[i-1].StartTime), "traces must be newest first")
	}
	assert.Equal(t, "span-4", all[0].ID)

	limited, err := s.ListTraces(ctx, models.TraceFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	workers, err := s.ListTraces(ctx, models.TraceFilter{Component: "Worker"})
	require.NoError(t, err)
	assert.Len(t, workers, 3)
	for _, tr := range workers {
		assert.Equal(t, "Worker", tr.Component)
	}

	failed, err := s.ListTraces(ctx, models.TraceFilter{Status: models.StatusError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "span-4", failed[0].ID)
}

func testListLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	levels := []models.Level{models.LevelInfo, models.LevelError, models.LevelWarn, models.LevelError, models.LevelDebug}
	for i, l := range levels {
		rec := newLog(l, "API", base.Add(time.Duration(i)*time.Millisecond))
		if i == 1 {
			rec.Error = &models.ErrorInfo{Name: "*errors.errorString", Message: "boom"}
			rec.TraceID = "req-9"
			rec.UserID = "user-1"
		}
		require.NoError(t, s.InsertLog(ctx, rec))
		assert.NotZero(t, rec.ID)
	}
	require.NoError(t, s.InsertLog(ctx, newLog(models.LevelError, "Worker", base.Add(time.Second))))

	all, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.After(all[i-1].Timestamp), "logs must be newest first")
	}

	errs, err := s.ListLogs(ctx, models.LogFilter{Level: models.LevelError})
	require.NoError(t, err)
	assert.Len(t, errs, 3)
	for _, l := range errs {
		assert.Equal(t, models.LevelError, l.Level)
	}

	apiErrs, err := s.ListLogs(ctx, models.LogFilter{Level: models.LevelError, Component: "API", Limit: 1})
	require.NoError(t, err)
	require.Len(t, apiErrs, 1)
	assert.Equal(t, "API", apiErrs[0].Component)

	var withErr *models.LogRecord
	for i := range all {
		if all[i].Error != nil {
			withErr = &all[i]
		}
	}
	require.NotNil(t, withErr)
	assert.Equal(t, "boom", withErr.Error.Message)
	assert.Equal(t, "req-9", withErr.TraceID)
	assert.Equal(t, "user-1", withErr.UserID)
}

func testListEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Two events share a timestamp; insertion order must break the tie.
	require.NoError(t, s.InsertEvent(ctx, newEvent("req-1", "ev-b", base.Add(2*time.Millisecond))))
	require.NoError(t, s.InsertEvent(ctx, newEvent("req-1", "ev-a", base.Add(time.Millisecond))))
	require.NoError(t, s.InsertEvent(ctx, newEvent("req-1", "ev-c", base.Add(2*time.Millisecond))))
	require.NoError(t, s.InsertEvent(ctx, newEvent("req-2", "ev-x", base)))

	withData := newEvent("req-1", "ev-d", base.Add(3*time.Millisecond))
	withData.Data = models.Metadata{"step": "fetch"}
	withData.CodeLocation = "worker.go:42"
	require.NoError(t, s.InsertEvent(ctx, withData))

	events, err := s.ListEventsByTraceID(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	assert.Equal(t, []string{"ev-a", "ev-b", "ev-c", "ev-d"}, ids)
	assert.Equal(t, "fetch", events[3].Data["step"])
	assert.Equal(t, "worker.go:42", events[3].CodeLocation)

	none, err := s.ListEventsByTraceID(ctx, "req-unknown")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("span-%d", i)
		require.NoError(t, s.InsertTrace(ctx, newTrace(id, "req", "Worker", base)))
		status := models.StatusSuccess
		if i < 3 {
			status = models.StatusError
		}
		require.NoError(t, s.UpdateTrace(ctx, id, models.TraceUpdate{Status: status, EndTime: base, Duration: 0}))
	}
	require.NoError(t, s.InsertEvent(ctx, newEvent("req", "ev-1", base)))
	require.NoError(t, s.InsertLog(ctx, newLog(models.LevelError, "API", base)))
	require.NoError(t, s.InsertLog(ctx, newLog(models.LevelInfo, "API", base)))

	counts, err := s.Count(ctx,
		models.CountQuery{Kind: models.KindLog},
		models.CountQuery{Kind: models.KindTrace},
		models.CountQuery{Kind: models.KindEvent},
		models.CountQuery{Kind: models.KindLog, Level: models.LevelError},
		models.CountQuery{Kind: models.KindTrace, Status: models.StatusError},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 1, 1, 3}, counts)

	_, err = s.Count(ctx, models.CountQuery{Kind: "metrics"})
	assert.Error(t, err)
}

func testConcurrentInserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const flows, perFlow = 8, 10

	var wg sync.WaitGroup
	errs := make(chan error, flows*perFlow)
	for f := 0; f < flows; f++ {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			traceID := fmt.Sprintf("flow-%d", f)
			for i := 0; i < perFlow; i++ {
				errs <- s.InsertEvent(ctx, newEvent(traceID, fmt.Sprintf("%s-ev-%02d", traceID, i), base.Add(time.Duration(i)*time.Millisecond)))
			}
		}(f)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for f := 0; f < flows; f++ {
		events, err := s.ListEventsByTraceID(ctx, fmt.Sprintf("flow-%d", f))
		require.NoError(t, err)
		require.Len(t, events, perFlow)
		for i, e := range events {
			assert.Equal(t, fmt.Sprintf("flow-%d-ev-%02d", f, i), e.EventID)
		}
	}
}
