// Package sqlite implements store.Store on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracelog/internal/db"
	"tracelog/internal/models"
	"tracelog/internal/store"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var tables = map[models.Kind]string{
	models.KindTrace: "traces",
	models.KindEvent: "trace_events",
	models.KindLog:   "logs",
}

// Store persists records in three SQLite tables.
type Store struct {
	db *db.DB
}

// Open connects to the database at path and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn), nil
}

// New wraps an already migrated connection.
func New(conn *db.DB) *Store {
	return &Store{db: conn}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

// InsertTrace appends a new span row.
func (s *Store) InsertTrace(ctx context.Context, t *models.Trace) error {
	if err := store.ValidateTrace(t); err != nil {
		return err
	}
	meta, err := store.MarshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	var endTime sql.NullString
	if t.EndTime != nil {
		endTime = nullString(formatTime(*t.EndTime))
	}
	var duration sql.NullInt64
	if t.Duration != nil {
		duration = sql.NullInt64{Int64: *t.Duration, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (id, trace_id, parent_id, name, component, status, start_time, end_time, duration, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TraceID, nullString(t.ParentID), t.Name, t.Component, string(t.Status),
		formatTime(t.StartTime), endTime, duration, nullBytes(meta), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", t.ID, err)
	}
	return nil
}

const traceColumns = `id, trace_id, parent_id, name, component, status, start_time, end_time, duration, metadata, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrace(row rowScanner) (*models.Trace, error) {
	var (
		t                    models.Trace
		parentID, endTime    sql.NullString
		metadata             sql.NullString
		status               string
		startTime, createdAt string
		duration             sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.TraceID, &parentID, &t.Name, &t.Component, &status,
		&startTime, &endTime, &duration, &metadata, &createdAt); err != nil {
		return nil, err
	}

	var err error
	t.Status = models.Status(status)
	t.ParentID = parentID.String
	if t.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if endTime.Valid {
		end, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		t.EndTime = &end
	}
	if duration.Valid {
		d := duration.Int64
		t.Duration = &d
	}
	if metadata.Valid {
		if t.Metadata, err = store.UnmarshalMetadata([]byte(metadata.String)); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// GetTrace fetches one span by its physical id.
func (s *Store) GetTrace(ctx context.Context, id string) (*models.Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id = ?`, id)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", id, err)
	}
	return t, nil
}

// UpdateTrace writes the close-time fields of an existing span.
func (s *Store) UpdateTrace(ctx context.Context, id string, u models.TraceUpdate) error {
	if err := store.ValidateUpdate(u); err != nil {
		return err
	}
	meta, err := store.MarshalJSON(u.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, end_time = ?, duration = ?, metadata = ? WHERE id = ?`,
		string(u.Status), formatTime(u.EndTime), u.Duration, nullBytes(meta), id,
	)
	if err != nil {
		return fmt.Errorf("update trace %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trace %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("trace %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// InsertEvent appends a step event.
func (s *Store) InsertEvent(ctx context.Context, e *models.TraceEvent) error {
	if err := store.ValidateEvent(e); err != nil {
		return err
	}
	data, err := store.MarshalJSON(e.Data)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_events (trace_id, event_id, timestamp, level, component, action, message, data, code_location, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TraceID, e.EventID, formatTime(e.Timestamp), string(e.Level), e.Component, e.Action, e.Message,
		nullBytes(data), nullString(e.CodeLocation), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// InsertLog appends a log record.
func (s *Store) InsertLog(ctx context.Context, l *models.LogRecord) error {
	if err := store.ValidateLog(l); err != nil {
		return err
	}
	meta, err := store.MarshalJSON(l.Metadata)
	if err != nil {
		return err
	}
	errInfo, err := store.MarshalJSON(l.Error)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (timestamp, level, component, message, trace_id, user_id, session_id, request_id, error, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(l.Timestamp), string(l.Level), l.Component, l.Message,
		nullString(l.TraceID), nullString(l.UserID), nullString(l.SessionID), nullString(l.RequestID),
		nullBytes(errInfo), nullBytes(meta), formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// ListTraces returns spans newest first.
func (s *Store) ListTraces(ctx context.Context, f models.TraceFilter) ([]models.Trace, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Component != "" {
		where = append(where, "component = ?")
		args = append(args, f.Component)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + traceColumns + ` FROM traces` + whereClause(where) +
		` ORDER BY start_time DESC, id DESC` + limitClause(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	traces := make([]models.Trace, 0)
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("list traces: %w", err)
		}
		traces = append(traces, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return traces, nil
}

// ListLogs returns log records newest first.
func (s *Store) ListLogs(ctx context.Context, f models.LogFilter) ([]models.LogRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.Component != "" {
		where = append(where, "component = ?")
		args = append(args, f.Component)
	}

	query := `SELECT id, timestamp, level, component, message, trace_id, user_id, session_id, request_id, error, metadata, created_at
		FROM logs` + whereClause(where) + ` ORDER BY timestamp DESC, id DESC` + limitClause(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	logs := make([]models.LogRecord, 0)
	for rows.Next() {
		var (
			l                                     models.LogRecord
			level, ts, createdAt                  string
			traceID, userID, sessionID, requestID sql.NullString
			errInfo, metadata                     sql.NullString
		)
		if err := rows.Scan(&l.ID, &ts, &level, &l.Component, &l.Message, &traceID, &userID,
			&sessionID, &requestID, &errInfo, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("list logs: %w", err)
		}
		l.Level = models.Level(level)
		l.TraceID, l.UserID, l.SessionID, l.RequestID = traceID.String, userID.String, sessionID.String, requestID.String
		if l.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if errInfo.Valid {
			var info models.ErrorInfo
			if err := json.Unmarshal([]byte(errInfo.String), &info); err != nil {
				return nil, fmt.Errorf("decode log error: %w", err)
			}
			l.Error = &info
		}
		if metadata.Valid {
			if l.Metadata, err = store.UnmarshalMetadata([]byte(metadata.String)); err != nil {
				return nil, err
			}
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

// ListEventsByTraceID returns the events of one logical trace in replay order.
func (s *Store) ListEventsByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, event_id, timestamp, level, component, action, message, data, code_location, created_at
		 FROM trace_events WHERE trace_id = ? ORDER BY timestamp ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.TraceEvent, 0)
	for rows.Next() {
		var (
			e                    models.TraceEvent
			level, ts, createdAt string
			data, codeLocation   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.EventID, &ts, &level, &e.Component, &e.Action,
			&e.Message, &data, &codeLocation, &createdAt); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		e.Level = models.Level(level)
		e.CodeLocation = codeLocation.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if data.Valid {
			if e.Data, err = store.UnmarshalMetadata([]byte(data.String)); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Count runs every predicate inside one transaction so the counts come
// from the same snapshot.
func (s *Store) Count(ctx context.Context, queries ...models.CountQuery) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("count: begin: %w", err)
	}
	defer tx.Rollback()

	counts := make([]int64, len(queries))
	for i, q := range queries {
		table, ok := tables[q.Kind]
		if !ok {
			return nil, fmt.Errorf("count: unknown kind %q: %w", q.Kind, store.ErrInvalidRecord)
		}

		var (
			where []string
			args  []interface{}
		)
		if q.Level != "" && q.Kind != models.KindTrace {
			where = append(where, "level = ?")
			args = append(args, string(q.Level))
		}
		if q.Status != "" && q.Kind == models.KindTrace {
			where = append(where, "status = ?")
			args = append(args, string(q.Status))
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+whereClause(where), args...).Scan(&counts[i]); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
	}
	return counts, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
