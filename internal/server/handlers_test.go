package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/internal/idgen"
	"tracelog/internal/metrics"
	"tracelog/internal/models"
	"tracelog/internal/query"
	"tracelog/internal/store"
	"tracelog/internal/store/memory"
	"tracelog/internal/tracer"
	"tracelog/pkg/llm"
)

type stubProvider struct {
	reply string
	err   error
	got   []llm.Message
}

func (s *stubProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.got = messages
	return s.reply, s.err
}

func (s *stubProvider) Name() string { return "stub" }

// brokenStore fails every read.
type brokenStore struct {
	store.Store
}

func (brokenStore) ListLogs(context.Context, models.LogFilter) ([]models.LogRecord, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Count(context.Context, ...models.CountQuery) ([]int64, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Ping(context.Context) error { return errors.New("disk on fire") }

type fixture struct {
	store  *memory.Store
	tracer *tracer.Tracer
	router http.Handler
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { s.Close() })
	tr := tracer.New(s, tracer.WithIDGenerator(&idgen.Sequence{Prefix: "id-"}))
	h := NewHandler(query.New(s, query.Config{}), tr, provider)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{store: s, tracer: tr, router: SetupRouter(h, metrics.New("tracelog_test"), logger)}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var out map[string]interface{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func TestHandleListLogs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tracer.Info(ctx, "cache warmed", tracer.LogContext{Component: "Cache"})
	f.tracer.Error(ctx, "lookup failed", tracer.LogContext{Component: "Cache"}, errors.New("miss"))
	f.tracer.Warn(ctx, "slow", tracer.LogContext{Component: "DB"})

	tests := []struct {
		name     string
		target   string
		status   int
		expected int
	}{
		{"all", "/api/observability/logs", http.StatusOK, 3},
		{"limit", "/api/observability/logs?limit=2", http.StatusOK, 2},
		{"level", "/api/observability/logs?level=error", http.StatusOK, 1},
		{"component", "/api/observability/logs?component=Cache", http.StatusOK, 2},
		{"bad level", "/api/observability/logs?level=loud", http.StatusBadRequest, -1},
		{"bad limit", "/api/observability/logs?limit=abc", http.StatusBadRequest, -1},
		{"negative limit", "/api/observability/logs?limit=-1", http.StatusBadRequest, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := f.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rr.Code)
			if tt.expected < 0 {
				assert.NotEmpty(t, body["error"])
				return
			}
			assert.EqualValues(t, tt.expected, body["count"])
			assert.Len(t, body["logs"], tt.expected)
		})
	}
}

func TestHandleListTracesAndEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	spanID := f.tracer.StartTrace(ctx, tracer.TraceContext{TraceID: "req-1", Component: "API", Name: "checkout"})
	f.tracer.LogEvent(ctx, tracer.EventParams{TraceID: "req-1", Level: models.LevelInfo, Component: "API", Action: "charge", Message: "charged"})
	f.tracer.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"error": "declined"})

	rr, body := f.do(t, http.MethodGet, "/api/observability/traces?status=error", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["count"])

	rr, body = f.do(t, http.MethodGet, "/api/observability/traces?status=pending", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, body["error"], "invalid")

	rr, body = f.do(t, http.MethodGet, "/api/observability/traces/req-1/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "req-1", body["traceId"])
	assert.EqualValues(t, 3, body["count"])
	events := body["events"].([]interface{})
	assert.Equal(t, tracer.ActionTraceStart, events[0].(map[string]interface{})["action"])
	assert.Equal(t, "charge", events[1].(map[string]interface{})["action"])

	rr, body = f.do(t, http.MethodGet, "/api/observability/traces/unknown/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Empty(t, body["events"])
}

func TestHandleStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tracer.Error(ctx, "boom", tracer.LogContext{Component: "Worker"}, errors.New("boom"))
	spanID := f.tracer.StartTrace(ctx, tracer.TraceContext{TraceID: "t1", Component: "Worker", Name: "job"})
	f.tracer.EndTrace(ctx, spanID, models.StatusError, nil)

	rr, body := f.do(t, http.MethodGet, "/api/observability/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := body["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["totalLogs"])
	assert.EqualValues(t, 1, stats["totalTraces"])
	assert.EqualValues(t, 2, stats["totalEvents"])
	assert.EqualValues(t, 1, stats["errorLogs"])
	assert.EqualValues(t, 1, stats["errorTraces"])
}

func TestStoreFailureIs500(t *testing.T) {
	h := NewHandler(query.New(brokenStore{}, query.Config{}), nil, nil)
	router := SetupRouter(h, nil, nil)

	for _, target := range []string{"/api/observability/logs", "/api/observability/stats"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code, target)
		assert.Contains(t, rr.Body.String(), "disk on fire")
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleChat(t *testing.T) {
	stub := &stubProvider{reply: "all good"}
	f := newFixture(t, stub)

	payload, err := json.Marshal(ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "how are we?"}}})
	require.NoError(t, err)

	rr, body := f.do(t, http.MethodPost, "/api/chat", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "all good", body["reply"])
	traceID := body["traceId"].(string)
	assert.True(t, strings.HasPrefix(traceID, "chat-"))
	assert.Len(t, stub.got, 1)

	events, err := f.store.ListEventsByTraceID(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "prompt_received", events[1].Action)

	traces, err := f.store.ListTraces(context.Background(), models.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, models.StatusSuccess, traces[0].Status)
}

func TestHandleChatErrors(t *testing.T) {
	t.Run("no provider", func(t *testing.T) {
		f := newFixture(t, nil)
		rr, _ := f.do(t, http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("no user message", func(t *testing.T) {
		f := newFixture(t, &stubProvider{})
		rr, body := f.do(t, http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"system","content":"hi"}]}`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "no user message", body["error"])
	})

	t.Run("invalid body", func(t *testing.T) {
		f := newFixture(t, &stubProvider{})
		rr, _ := f.do(t, http.MethodPost, "/api/chat", strings.NewReader(`{`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t, &stubProvider{err: errors.New("quota exceeded")})
		rr, body := f.do(t, http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "quota exceeded", body["error"])

		traces, err := f.store.ListTraces(context.Background(), models.TraceFilter{Status: models.StatusError})
		require.NoError(t, err)
		assert.Len(t, traces, 1)

		logs, err := f.store.ListLogs(context.Background(), models.LogFilter{Level: models.LevelError})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, traces[0].TraceID, logs[0].TraceID)
	})
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, nil)
	rr, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", body["status"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestHandleReady(t *testing.T) {
	f := newFixture(t, nil)
	rr, body := f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])

	require.NoError(t, f.store.Close())
	rr, _ = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/health", nil)

	rr, _ := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tracelog_test_http_requests_total{method="GET",route="/health",status="200"} 1`)
}
