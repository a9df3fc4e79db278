// Package badger implements store.Store on an embedded BadgerDB.
//
// Key layout:
//
//	t/<spanID>                     trace row
//	e/<traceID>\x00<seq>           trace event, seq is zero padded
//	x/<eventID>                    event id uniqueness marker
//	l/<seq>                        log record
//
// Values are JSON.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/dgraph-io/badger/v4"

	"tracelog/internal/models"
	"tracelog/internal/store"
)

const (
	prefixTrace = "t/"
	prefixEvent = "e/"
	prefixEvID  = "x/"
	prefixLog   = "l/"

	seqBandwidth = 128
)

// Config holds options for opening the store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives BadgerDB's own diagnostics. Nil disables them.
	Logger *clog.Logger
}

// badgerLogger adapts clog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *clog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// Store is a BadgerDB backed store.Store.
type Store struct {
	db       *badger.DB
	eventSeq *badger.Sequence
	logSeq   *badger.Sequence

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	eventSeq, err := db.GetSequence([]byte("seq/events"), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("event sequence: %w", err)
	}
	logSeq, err := db.GetSequence([]byte("seq/logs"), seqBandwidth)
	if err != nil {
		eventSeq.Release()
		db.Close()
		return nil, fmt.Errorf("log sequence: %w", err)
	}

	return &Store{db: db, eventSeq: eventSeq, logSeq: logSeq}, nil
}

func traceKey(id string) []byte { return []byte(prefixTrace + id) }

func eventKey(traceID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d", prefixEvent, traceID, seq))
}

func eventPrefix(traceID string) []byte { return []byte(prefixEvent + traceID + "\x00") }

func logKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixLog, seq)) }

func encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", store.ErrInvalidRecord, err)
	}
	return b, nil
}

func nextID(seq *badger.Sequence) (uint64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	// Sequences start at zero; row ids start at one like the SQL backends.
	return n + 1, nil
}

// InsertTrace writes a new span.
func (s *Store) InsertTrace(ctx context.Context, t *models.Trace) error {
	if err := store.ValidateTrace(t); err != nil {
		return err
	}
	val, err := encode(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(traceKey(t.ID)); err == nil {
			return fmt.Errorf("insert trace %s: duplicate id", t.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("insert trace %s: %w", t.ID, err)
		}
		return txn.Set(traceKey(t.ID), val)
	})
}

func getTrace(txn *badger.Txn, id string) (*models.Trace, error) {
	item, err := txn.Get(traceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("trace %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", id, err)
	}
	var t models.Trace
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	}); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", id, err)
	}
	return &t, nil
}

// GetTrace reads one span.
func (s *Store) GetTrace(ctx context.Context, id string) (*models.Trace, error) {
	var t *models.Trace
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		t, err = getTrace(txn, id)
		return err
	})
	return t, err
}

// UpdateTrace rewrites the close-time fields of an existing span.
func (s *Store) UpdateTrace(ctx context.Context, id string, u models.TraceUpdate) error {
	if err := store.ValidateUpdate(u); err != nil {
		return err
	}
	if _, err := store.MarshalJSON(u.Metadata); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		t, err := getTrace(txn, id)
		if err != nil {
			return err
		}
		t.Apply(u)
		val, err := encode(t)
		if err != nil {
			return err
		}
		return txn.Set(traceKey(id), val)
	})
}

// InsertEvent appends a step event under its trace prefix.
func (s *Store) InsertEvent(ctx context.Context, e *models.TraceEvent) error {
	if err := store.ValidateEvent(e); err != nil {
		return err
	}
	id, err := nextID(s.eventSeq)
	if err != nil {
		return err
	}
	rec := *e
	rec.ID = int64(id)
	val, err := encode(rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		marker := []byte(prefixEvID + e.EventID)
		if _, err := txn.Get(marker); err == nil {
			return fmt.Errorf("insert event %s: duplicate event id", e.EventID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(marker, eventKey(e.TraceID, id)); err != nil {
			return err
		}
		return txn.Set(eventKey(e.TraceID, id), val)
	})
	if err != nil {
		return err
	}
	e.ID = rec.ID
	return nil
}

// InsertLog appends a log record.
func (s *Store) InsertLog(ctx context.Context, l *models.LogRecord) error {
	if err := store.ValidateLog(l); err != nil {
		return err
	}
	id, err := nextID(s.logSeq)
	if err != nil {
		return err
	}
	rec := *l
	rec.ID = int64(id)
	val, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(id), val)
	}); err != nil {
		return err
	}
	l.ID = rec.ID
	return nil
}

// scan decodes every value under prefix in key order.
func scan[T any](txn *badger.Txn, prefix []byte, fn func(T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// ListTraces returns spans newest first.
func (s *Store) ListTraces(ctx context.Context, f models.TraceFilter) ([]models.Trace, error) {
	out := make([]models.Trace, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(prefixTrace), func(t models.Trace) error {
			if f.Component != "" && t.Component != f.Component {
				return nil
			}
			if f.Status != "" && t.Status != f.Status {
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	return limit(out, f.Limit), nil
}

// ListLogs returns log records newest first.
func (s *Store) ListLogs(ctx context.Context, f models.LogFilter) ([]models.LogRecord, error) {
	out := make([]models.LogRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(prefixLog), func(l models.LogRecord) error {
			if f.Level != "" && l.Level != f.Level {
				return nil
			}
			if f.Component != "" && l.Component != f.Component {
				return nil
			}
			out = append(out, l)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return limit(out, f.Limit), nil
}

// ListEventsByTraceID returns one trace's events in replay order.
func (s *Store) ListEventsByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	out := make([]models.TraceEvent, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, eventPrefix(traceID), func(e models.TraceEvent) error {
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", traceID, err)
	}
	// Keys are already in insertion order, which breaks timestamp ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Count evaluates every predicate inside one read transaction.
func (s *Store) Count(ctx context.Context, queries ...models.CountQuery) ([]int64, error) {
	counts := make([]int64, len(queries))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, q := range queries {
			m := store.CountQueryMatcher(q)
			var err error
			switch q.Kind {
			case models.KindTrace:
				err = scan(txn, []byte(prefixTrace), func(t models.Trace) error {
					if m.Matches("", t.Status) {
						counts[i]++
					}
					return nil
				})
			case models.KindEvent:
				err = scan(txn, []byte(prefixEvent), func(e models.TraceEvent) error {
					if m.Matches(e.Level, "") {
						counts[i]++
					}
					return nil
				})
			case models.KindLog:
				err = scan(txn, []byte(prefixLog), func(l models.LogRecord) error {
					if m.Matches(l.Level, "") {
						counts[i]++
					}
					return nil
				})
			default:
				err = fmt.Errorf("unknown kind %q: %w", q.Kind, store.ErrInvalidRecord)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	return counts, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database is closed")
	}
	return nil
}

// Close releases the id sequences and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.eventSeq.Release(), s.logSeq.Release(), s.db.Close())
	})
	return s.closeErr
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
