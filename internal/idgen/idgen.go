// Package idgen produces sortable string identifiers for spans and events.
package idgen

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces identifiers that are unique within a process and
// sort in creation order in the common case.
type Generator interface {
	NewID() string
}

// Kind selects a Generator implementation from configuration.
type Kind string

const (
	KindULID   Kind = "ulid"
	KindUUIDv7 Kind = "uuidv7"
)

// New returns the generator configured by kind.
func New(kind string) (Generator, error) {
	switch Kind(strings.ToLower(kind)) {
	case KindULID, "":
		return NewULID(time.Now), nil
	case KindUUIDv7:
		return UUIDv7{}, nil
	default:
		return nil, fmt.Errorf("unsupported id generator: %s", kind)
	}
}

// ULID generates lexicographically sortable ids from a millisecond timestamp
// and a monotonic, non-cryptographic random suffix.
type ULID struct {
	now     func() time.Time
	entropy *ulid.LockedMonotonicReader
}

// NewULID creates a ULID generator reading time from now.
func NewULID(now func() time.Time) *ULID {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &ULID{
		now: now,
		entropy: &ulid.LockedMonotonicReader{
			MonotonicReader: ulid.Monotonic(src, 0),
		},
	}
}

// NewID returns the next id. Ids minted in the same millisecond are strictly increasing.
func (g *ULID) NewID() string {
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond or the clock
		// moved backwards; fall back to a fresh random suffix.
		return ulid.MustNew(ulid.Timestamp(g.now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
	}
	return id.String()
}

// UUIDv7 generates RFC 9562 version 7 UUIDs, which embed a millisecond timestamp.
type UUIDv7 struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequence yields deterministic ids, for tests.
type Sequence struct {
	Prefix string
	n      atomic.Uint64
}

// NewID returns Prefix followed by a zero-padded counter.
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s%06d", s.Prefix, s.n.Add(1))
}
