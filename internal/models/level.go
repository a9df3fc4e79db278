// Package models defines the records shared by the recorder, the stores and the query surface.
package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLevel is returned for a level outside the closed set.
	ErrInvalidLevel = errors.New("invalid level")
	// ErrInvalidStatus is returned for a trace status outside the closed set.
	ErrInvalidStatus = errors.New("invalid status")
)

// Level is the severity of a TraceEvent or LogRecord.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Valid reports whether l is an accepted log level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// ValidForEvent reports whether l may be attached to a trace event.
// Events do not carry fatal.
func (l Level) ValidForEvent() bool {
	return l.Valid() && l != LevelFatal
}

// ParseLevel converts a user supplied string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// Status is the lifecycle state of a Trace.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the three trace states.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s may be used to close a trace.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// ParseStatus converts a user supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}
