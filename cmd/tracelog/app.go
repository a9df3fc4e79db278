package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chainguard-dev/clog"

	"tracelog/internal/config"
	"tracelog/internal/idgen"
	"tracelog/internal/metrics"
	"tracelog/internal/models"
	"tracelog/internal/query"
	"tracelog/internal/sink"
	"tracelog/internal/store"
	"tracelog/internal/store/badger"
	"tracelog/internal/store/memory"
	"tracelog/internal/store/sqlite"
	"tracelog/internal/tracer"
	"tracelog/pkg/llm"
)

// app holds every long lived dependency of the write and read paths.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	metrics  *metrics.Metrics
	sink     sink.Sink
	tracer   *tracer.Tracer
	query    *query.Service
	provider llm.Provider
}

// newLogger builds the process logger from app.log_level and app.log_format.
func newLogger(cfg config.AppConfig, w io.Writer) (*slog.Logger, error) {
	level, err := models.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("app.log_level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: sink.SlogLevel(level)}

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}

// openStore opens the configured persistence backend.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := badger.Open(badger.Config{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
			Logger:     clog.New(logger.Handler()).With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildSink assembles the mirror outputs. Remote outputs are made
// asynchronous so they never block the recorder.
func buildSink(cfg config.SinksConfig, logger *slog.Logger, m *metrics.Metrics) (sink.Sink, error) {
	var sinks []sink.Sink
	if cfg.Console.Enabled {
		sinks = append(sinks, sink.NewConsole(logger))
	}
	if cfg.Loki.Enabled {
		loki := sink.NewLoki(cfg.Loki.URL, cfg.Loki.GetTimeoutDuration(), cfg.Loki.Labels)
		sinks = append(sinks, sink.NewAsync("loki", loki, cfg.Loki.Buffer, m.RecordSinkDrop))
	}
	if cfg.Slack.Enabled {
		minLevel, err := models.ParseLevel(cfg.Slack.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("sinks.slack.min_level: %w", err)
		}
		slack := sink.NewSlack(cfg.Slack.WebhookURL, minLevel, cfg.Slack.PerMinute)
		sinks = append(sinks, sink.NewAsync("slack", slack, cfg.Slack.Buffer, m.RecordSinkDrop))
	}
	return sink.NewMulti(sinks...), nil
}

// newApp wires the store, the recorder and the query service.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	ids, err := idgen.New(cfg.IDs.Kind)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	out, err := buildSink(cfg.Sinks, logger, m)
	if err != nil {
		st.Close()
		return nil, err
	}

	tr := tracer.New(st,
		tracer.WithIDGenerator(ids),
		tracer.WithSink(out),
		tracer.WithMetrics(m),
		tracer.WithWriteTimeout(cfg.Recorder.GetWriteTimeoutDuration()),
	)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: m,
		sink:    out,
		tracer:  tr,
		query: query.New(st, query.Config{
			DefaultLogLimit:   cfg.Query.DefaultLimit,
			DefaultTraceLimit: cfg.Query.DefaultTraceLimit,
			MaxLimit:          cfg.Query.MaxLimit,
		}),
	}

	if cfg.LLM.Provider != "" {
		p, err := llm.NewProvider(cfg.LLM)
		if err != nil {
			logger.Warn("LLM provider disabled", "provider", cfg.LLM.Provider, "error", err)
		} else {
			a.provider = llm.NewTraced(p, tr)
		}
	}
	return a, nil
}

// Close flushes the sinks before closing the store.
func (a *app) Close() error {
	return errors.Join(a.sink.Close(), a.store.Close())
}
