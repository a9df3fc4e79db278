// Package query is the read side used by the dashboard, the MCP tools and the CLI.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tracelog/internal/models"
	"tracelog/internal/store"
)

// ErrInvalidQuery is returned for parameters the service refuses.
var ErrInvalidQuery = errors.New("invalid query")

// Config bounds listing sizes.
type Config struct {
	DefaultLogLimit   int
	DefaultTraceLimit int
	MaxLimit          int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		DefaultLogLimit:   100,
		DefaultTraceLimit: 50,
		MaxLimit:          1000,
	}
}

// Service reads from a store. It never writes.
type Service struct {
	store store.Store
	cfg   Config
}

// New creates a Service. Zero fields in cfg take their defaults.
func New(s store.Store, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.DefaultLogLimit <= 0 {
		cfg.DefaultLogLimit = def.DefaultLogLimit
	}
	if cfg.DefaultTraceLimit <= 0 {
		cfg.DefaultTraceLimit = def.DefaultTraceLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	return &Service{store: s, cfg: cfg}
}

// LogQuery selects log records. Empty fields do not filter.
type LogQuery struct {
	Limit     int
	Level     string
	Component string
}

// TraceQuery selects traces. Empty fields do not filter.
type TraceQuery struct {
	Limit     int
	Component string
	Status    string
}

func (s *Service) limit(requested, def int) int {
	if requested <= 0 {
		requested = def
	}
	if requested > s.cfg.MaxLimit {
		return s.cfg.MaxLimit
	}
	return requested
}

// ListLogs returns logs newest first.
func (s *Service) ListLogs(ctx context.Context, q LogQuery) ([]models.LogRecord, error) {
	f := models.LogFilter{
		Component: strings.TrimSpace(q.Component),
		Limit:     s.limit(q.Limit, s.cfg.DefaultLogLimit),
	}
	if q.Level != "" {
		level, err := models.ParseLevel(q.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		f.Level = level
	}

	logs, err := s.store.ListLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

// ListTraces returns traces newest first.
func (s *Service) ListTraces(ctx context.Context, q TraceQuery) ([]models.Trace, error) {
	f := models.TraceFilter{
		Component: strings.TrimSpace(q.Component),
		Limit:     s.limit(q.Limit, s.cfg.DefaultTraceLimit),
	}
	if q.Status != "" {
		status, err := models.ParseStatus(q.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		f.Status = status
	}

	traces, err := s.store.ListTraces(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return traces, nil
}

// ListEventsByTraceID returns one trace's events in chronological order.
func (s *Service) ListEventsByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, fmt.Errorf("%w: traceId is required", ErrInvalidQuery)
	}
	events, err := s.store.ListEventsByTraceID(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", traceID, err)
	}
	return events, nil
}

// GetStats computes the dashboard counters from one consistent read.
func (s *Service) GetStats(ctx context.Context) (*models.Stats, error) {
	counts, err := s.store.Count(ctx,
		models.CountQuery{Kind: models.KindLog},
		models.CountQuery{Kind: models.KindTrace},
		models.CountQuery{Kind: models.KindEvent},
		models.CountQuery{Kind: models.KindLog, Level: models.LevelError},
		models.CountQuery{Kind: models.KindTrace, Status: models.StatusError},
	)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if len(counts) != 5 {
		return nil, fmt.Errorf("get stats: store returned %d counts, want 5", len(counts))
	}
	return &models.Stats{
		TotalLogs:   counts[0],
		TotalTraces: counts[1],
		TotalEvents: counts[2],
		ErrorLogs:   counts[3],
		ErrorTraces: counts[4],
	}, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
