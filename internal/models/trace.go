package models

import "time"

// Metadata is an open, JSON-serializable key/value bag.
type Metadata map[string]interface{}

// Merge returns a new bag holding m overlaid with other.
// Keys in other win; keys only in m are preserved.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil && other == nil {
		return nil
	}
	merged := make(Metadata, len(m)+len(other))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Trace is one physical span record.
type Trace struct {
	ID        string     `json:"id"`
	TraceID   string     `json:"traceId"`
	ParentID  string     `json:"parentId,omitempty"`
	Name      string     `json:"name"`
	Component string     `json:"component"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  *int64     `json:"duration,omitempty"` // milliseconds
	Metadata  Metadata   `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// IsOpen returns true while the span has not been closed
func (t *Trace) IsOpen() bool {
	return t.EndTime == nil
}

// TraceUpdate is the partial row written when a span is closed.
type TraceUpdate struct {
	Status   Status
	EndTime  time.Time
	Duration int64
	Metadata Metadata
}

// Apply copies the update onto the trace.
func (t *Trace) Apply(u TraceUpdate) {
	end := u.EndTime
	d := u.Duration
	t.Status = u.Status
	t.EndTime = &end
	t.Duration = &d
	t.Metadata = u.Metadata
}

// TraceFilter narrows a trace listing.
type TraceFilter struct {
	Component string
	Status    Status
	Limit     int
}
