// Package memory implements store.Store in process memory.
//
// Records are deep-copied through their JSON encoding on the way in and out,
// so callers observe the same value shapes as with the durable backends.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"tracelog/internal/models"
	"tracelog/internal/store"
)

// Store keeps every record in slices guarded by one lock.
type Store struct {
	mu      sync.RWMutex
	traces  map[string]*models.Trace
	events  []models.TraceEvent
	logs    []models.LogRecord
	eventID int64
	logID   int64
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{traces: make(map[string]*models.Trace)}
}

func clone[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("%w: encode: %v", store.ErrInvalidRecord, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func (s *Store) check() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// InsertTrace appends a new span.
func (s *Store) InsertTrace(ctx context.Context, t *models.Trace) error {
	if err := store.ValidateTrace(t); err != nil {
		return err
	}
	c, err := clone(*t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.traces[t.ID]; ok {
		return fmt.Errorf("insert trace %s: duplicate id", t.ID)
	}
	s.traces[t.ID] = &c
	return nil
}

// GetTrace returns a copy of one span.
func (s *Store) GetTrace(ctx context.Context, id string) (*models.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	t, ok := s.traces[id]
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", id, store.ErrNotFound)
	}
	c, err := clone(*t)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateTrace writes the close-time fields of an existing span.
func (s *Store) UpdateTrace(ctx context.Context, id string, u models.TraceUpdate) error {
	if err := store.ValidateUpdate(u); err != nil {
		return err
	}
	meta, err := clone(u.Metadata)
	if err != nil {
		return err
	}
	u.Metadata = meta

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	t, ok := s.traces[id]
	if !ok {
		return fmt.Errorf("trace %s: %w", id, store.ErrNotFound)
	}
	t.Apply(u)
	return nil
}

// InsertEvent appends a step event.
func (s *Store) InsertEvent(ctx context.Context, e *models.TraceEvent) error {
	if err := store.ValidateEvent(e); err != nil {
		return err
	}
	c, err := clone(*e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.eventID++
	c.ID = s.eventID
	e.ID = c.ID
	s.events = append(s.events, c)
	return nil
}

// InsertLog appends a log record.
func (s *Store) InsertLog(ctx context.Context, l *models.LogRecord) error {
	if err := store.ValidateLog(l); err != nil {
		return err
	}
	c, err := clone(*l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.logID++
	c.ID = s.logID
	l.ID = c.ID
	s.logs = append(s.logs, c)
	return nil
}

// ListTraces returns spans newest first.
func (s *Store) ListTraces(ctx context.Context, f models.TraceFilter) ([]models.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]models.Trace, 0)
	for _, t := range s.traces {
		if f.Component != "" && t.Component != f.Component {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		c, err := clone(*t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, f.Limit), nil
}

// ListLogs returns log records newest first.
func (s *Store) ListLogs(ctx context.Context, f models.LogFilter) ([]models.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]models.LogRecord, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if f.Level != "" && l.Level != f.Level {
			continue
		}
		if f.Component != "" && l.Component != f.Component {
			continue
		}
		c, err := clone(l)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return truncate(out, f.Limit), nil
}

// ListEventsByTraceID returns the events of one logical trace in replay order.
func (s *Store) ListEventsByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]models.TraceEvent, 0)
	for _, e := range s.events {
		if e.TraceID != traceID {
			continue
		}
		c, err := clone(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Count evaluates every predicate under one read lock.
func (s *Store) Count(ctx context.Context, queries ...models.CountQuery) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	counts := make([]int64, len(queries))
	for i, q := range queries {
		m := store.CountQueryMatcher(q)
		switch q.Kind {
		case models.KindTrace:
			for _, t := range s.traces {
				if m.Matches("", t.Status) {
					counts[i]++
				}
			}
		case models.KindEvent:
			for _, e := range s.events {
				if m.Matches(e.Level, "") {
					counts[i]++
				}
			}
		case models.KindLog:
			for _, l := range s.logs {
				if m.Matches(l.Level, "") {
					counts[i]++
				}
			}
		default:
			return nil, fmt.Errorf("count: unknown kind %q: %w", q.Kind, store.ErrInvalidRecord)
		}
	}
	return counts, nil
}

// Ping reports whether the store is still open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
