// Package metrics holds the Prometheus collectors of the engine.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Recorder metrics
	RecordsWritten *prometheus.CounterVec
	StoreFailures  *prometheus.CounterVec
	SinkDropped    *prometheus.CounterVec
	TraceDuration  *prometheus.HistogramVec
	OpenTraces     prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RecordsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Records persisted, by kind",
			},
			[]string{"kind"},
		),
		StoreFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Swallowed persistence failures, by operation",
			},
			[]string{"op"},
		),
		SinkDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_dropped_total",
				Help:      "Records a secondary sink failed to deliver or dropped",
			},
			[]string{"sink"},
		),
		TraceDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trace_duration_seconds",
				Help:      "Duration of closed traces",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"component", "status"},
		),
		OpenTraces: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_traces",
				Help:      "Traces started but not yet closed by this process",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordWrite counts one persisted record of kind.
func (m *Metrics) RecordWrite(kind string) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(kind).Inc()
}

// RecordStoreFailure counts one swallowed persistence failure.
func (m *Metrics) RecordStoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(op).Inc()
}

// RecordSinkDrop counts one record a sink did not deliver.
func (m *Metrics) RecordSinkDrop(sink string) {
	if m == nil {
		return
	}
	m.SinkDropped.WithLabelValues(sink).Inc()
}

// TraceStarted bumps the open trace gauge.
func (m *Metrics) TraceStarted() {
	if m == nil {
		return
	}
	m.OpenTraces.Inc()
}

// TraceEnded records a closed trace.
func (m *Metrics) TraceEnded(component, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OpenTraces.Dec()
	m.TraceDuration.WithLabelValues(component, status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
