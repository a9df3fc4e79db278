package models

import "time"

// TraceEvent is a timestamped step note attached to a logical trace.
type TraceEvent struct {
	ID           int64     `json:"id,omitempty"`
	TraceID      string    `json:"traceId"`
	EventID      string    `json:"eventId"`
	Timestamp    time.Time `json:"timestamp"`
	Level        Level     `json:"level"`
	Component    string    `json:"component"`
	Action       string    `json:"action"`
	Message      string    `json:"message"`
	Data         Metadata  `json:"data,omitempty"`
	CodeLocation string    `json:"codeLocation,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ErrorInfo is the stable serialized shape of an error attached to a log.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogRecord is a free-standing application log, optionally correlated.
type LogRecord struct {
	ID        int64      `json:"id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Level     Level      `json:"level"`
	Component string     `json:"component"`
	Message   string     `json:"message"`
	TraceID   string     `json:"traceId,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// LogFilter narrows a log listing.
type LogFilter struct {
	Level     Level
	Component string
	Limit     int
}

// Kind names one of the three record collections.
type Kind string

const (
	KindTrace Kind = "traces"
	KindEvent Kind = "trace_events"
	KindLog   Kind = "logs"
)

// CountQuery is a countWhere predicate. Zero fields match everything.
// Level applies to events and logs, Status to traces.
type CountQuery struct {
	Kind   Kind
	Level  Level
	Status Status
}

// Stats is the dashboard aggregate.
type Stats struct {
	TotalLogs   int64 `json:"totalLogs"`
	TotalTraces int64 `json:"totalTraces"`
	TotalEvents int64 `json:"totalEvents"`
	ErrorLogs   int64 `json:"errorLogs"`
	ErrorTraces int64 `json:"errorTraces"`
}
