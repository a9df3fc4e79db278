// Package store defines the persistence contract for traces, trace events and logs.
//
// Backends live in subpackages: sqlite (default), badger and memory. A store
// performs no business validation beyond rejecting malformed records; the
// recorder decides what to do when a write fails.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tracelog/internal/models"
)

var (
	// ErrNotFound is returned when a span id has no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRecord is returned for records a store refuses to persist.
	ErrInvalidRecord = errors.New("invalid record")
)

// Store is an append/query store over the three record kinds.
//
// Listings are ordered: logs by timestamp descending, traces by start time
// descending, events by timestamp ascending with insertion order breaking
// ties. A Limit of zero or less means no limit.
type Store interface {
	InsertTrace(ctx context.Context, t *models.Trace) error
	GetTrace(ctx context.Context, id string) (*models.Trace, error)
	UpdateTrace(ctx context.Context, id string, u models.TraceUpdate) error
	InsertEvent(ctx context.Context, e *models.TraceEvent) error
	InsertLog(ctx context.Context, l *models.LogRecord) error

	ListTraces(ctx context.Context, f models.TraceFilter) ([]models.Trace, error)
	ListLogs(ctx context.Context, f models.LogFilter) ([]models.LogRecord, error)
	ListEventsByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error)

	// Count evaluates every query against the same consistent read and
	// returns one count per query, in order.
	Count(ctx context.Context, queries ...models.CountQuery) ([]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// ValidateTrace checks the fields every backend requires.
func ValidateTrace(t *models.Trace) error {
	switch {
	case t == nil:
		return invalid("nil trace")
	case t.ID == "":
		return invalid("trace id is required")
	case t.TraceID == "":
		return invalid("trace %s: traceId is required", t.ID)
	case t.Name == "" || t.Component == "":
		return invalid("trace %s: name and component are required", t.ID)
	case !t.Status.Valid():
		return invalid("trace %s: status %q", t.ID, t.Status)
	case t.StartTime.IsZero():
		return invalid("trace %s: start time is required", t.ID)
	}
	return nil
}

// ValidateUpdate checks a close-time partial row.
func ValidateUpdate(u models.TraceUpdate) error {
	if !u.Status.Valid() {
		return invalid("update status %q", u.Status)
	}
	if u.EndTime.IsZero() {
		return invalid("update end time is required")
	}
	return nil
}

// ValidateEvent checks the fields every backend requires.
func ValidateEvent(e *models.TraceEvent) error {
	switch {
	case e == nil:
		return invalid("nil event")
	case e.TraceID == "" || e.EventID == "":
		return invalid("event requires traceId and eventId")
	case !e.Level.ValidForEvent():
		return invalid("event %s: level %q", e.EventID, e.Level)
	case e.Component == "" || e.Action == "":
		return invalid("event %s: component and action are required", e.EventID)
	case e.Timestamp.IsZero():
		return invalid("event %s: timestamp is required", e.EventID)
	}
	return nil
}

// ValidateLog checks the fields every backend requires.
func ValidateLog(l *models.LogRecord) error {
	switch {
	case l == nil:
		return invalid("nil log")
	case !l.Level.Valid():
		return invalid("log level %q", l.Level)
	case l.Component == "":
		return invalid("log component is required")
	case l.Timestamp.IsZero():
		return invalid("log timestamp is required")
	}
	return nil
}

// MarshalJSON encodes an optional JSON column. A nil value encodes to nil.
func MarshalJSON(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case models.Metadata:
		if x == nil {
			return nil, nil
		}
	case *models.ErrorInfo:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, invalid("encode json column: %v", err)
	}
	return b, nil
}

// UnmarshalMetadata decodes an optional JSON object column.
func UnmarshalMetadata(b []byte) (models.Metadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m models.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// CountQueryMatcher adapts a CountQuery for in-process evaluation.
type CountQueryMatcher models.CountQuery

// Matches reports whether a record with the given level and status
// satisfies the predicate. Backends without a query language use it.
func (q CountQueryMatcher) Matches(level models.Level, status models.Status) bool {
	if q.Level != "" && q.Level != level {
		return false
	}
	if q.Status != "" && q.Status != status {
		return false
	}
	return true
}
