// Package sink mirrors recorded events and logs to secondary outputs.
//
// Sinks are best effort. Their failures never reach the recorder's caller and
// are independent of persistence.
package sink

import (
	"context"
	"errors"

	"tracelog/internal/models"
)

// Sink receives a copy of every event and log the recorder sees.
type Sink interface {
	WriteEvent(ctx context.Context, e models.TraceEvent) error
	WriteLog(ctx context.Context, l models.LogRecord) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) WriteEvent(context.Context, models.TraceEvent) error { return nil }
func (Nop) WriteLog(context.Context, models.LogRecord) error    { return nil }
func (Nop) Close() error                                        { return nil }

// Multi fans every record out to all sinks and joins their errors.
type Multi []Sink

// NewMulti drops nil entries. It returns Nop when nothing is left and the
// single sink when only one is.
func NewMulti(sinks ...Sink) Sink {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

func (m Multi) WriteEvent(ctx context.Context, e models.TraceEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) WriteLog(ctx context.Context, l models.LogRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteLog(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
