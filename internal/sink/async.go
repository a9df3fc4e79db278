package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/chainguard-dev/clog"

	"tracelog/internal/models"
)

// ErrDropped is returned when the Async buffer is full or closed.
var ErrDropped = errors.New("sink: record dropped")

type item struct {
	ctx   context.Context
	event *models.TraceEvent
	log   *models.LogRecord
}

// Async hands records to a background goroutine so slow outputs never block
// the recorder. When the buffer is full the record is dropped.
type Async struct {
	name   string
	next   Sink
	onDrop func(name string)

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}
}

// NewAsync starts the delivery goroutine. onDrop may be nil.
func NewAsync(name string, next Sink, buffer int, onDrop func(name string)) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		name:   name,
		next:   next,
		onDrop: onDrop,
		queue:  make(chan item, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for it := range a.queue {
		var err error
		if it.event != nil {
			err = a.next.WriteEvent(it.ctx, *it.event)
		} else {
			err = a.next.WriteLog(it.ctx, *it.log)
		}
		if err != nil {
			clog.FromContext(it.ctx).With("sink", a.name).With("error", err).Warn("sink delivery failed")
			a.drop()
		}
	}
}

func (a *Async) drop() {
	if a.onDrop != nil {
		a.onDrop(a.name)
	}
}

func (a *Async) enqueue(it item) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop()
		return ErrDropped
	}
	select {
	case a.queue <- it:
		return nil
	default:
		a.drop()
		return ErrDropped
	}
}

func (a *Async) WriteEvent(ctx context.Context, e models.TraceEvent) error {
	return a.enqueue(item{ctx: context.WithoutCancel(ctx), event: &e})
}

func (a *Async) WriteLog(ctx context.Context, l models.LogRecord) error {
	return a.enqueue(item{ctx: context.WithoutCancel(ctx), log: &l})
}

// Close stops accepting records, drains the buffer and closes the wrapped sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
