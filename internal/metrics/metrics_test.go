package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordWrite("logs")
	m.RecordStoreFailure("insert_log")
	m.RecordSinkDrop("loki")
	m.TraceStarted()
	m.TraceEnded("Worker", "success", time.Second)
	assert.Nil(t, m.Registry())

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New("tracelog")
	m.RecordWrite("logs")
	m.RecordWrite("logs")
	m.RecordStoreFailure("update_trace")
	m.TraceStarted()
	m.TraceStarted()
	m.TraceEnded("Worker", "error", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsWritten.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("update_trace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenTraces))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New("tracelog")
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/traces/{traceId}/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/traces/req-1/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/traces/{traceId}/events", "200")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tracelog_http_requests_total"))
}
