// Package eventbus fans ingestion progress events out to registered
// handlers: raw-object flushes, checkpoint advances, cursor
// re-enqueues, and run lifecycle. Publishing never blocks the hot
// path: events enter a bounded queue and a single dispatch goroutine
// invokes handlers in publish order, so a subscriber observes
// checkpoint advances in the order they actually happened. When the
// queue is full the event is dropped and counted instead of stalling
// a chunk worker.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the ingestion core.
const (
	TypeRunStarted         = "run.started"
	TypeRunFinished        = "run.finished"
	TypeBatchFlushed       = "batch.flushed"
	TypeCheckpointAdvanced = "checkpoint.advanced"
	TypeCursorRequeued     = "cursor.requeued"
)

// Event is one ingestion progress event.
type Event struct {
	Type      string
	Source    string
	ProductID string
	RunID     string
	Cursor    uint64
	Timestamp time.Time
	Data      interface{}
}

// Handler consumes one event. Handlers run on the bus's dispatch
// goroutine, one at a time: keep them short and never block, or every
// later event waits behind them.
type Handler func(Event)

// Bus routes published events to handlers by event type. One dispatch
// goroutine serves all handlers, which is what gives cross-type
// ordering: a flush handler and a checkpoint handler see their events
// interleaved exactly as published.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	all      []Handler
	queue    chan Event
	closed   bool
	drained  chan struct{}
	dropped  atomic.Int64
}

// New creates a Bus and starts its dispatch goroutine.
func New() *Bus {
	return newWithQueueSize(1024)
}

func newWithQueueSize(n int) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, n),
		drained:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for evt := range b.queue {
		b.mu.Lock()
		hs := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.all))
		hs = append(hs, b.handlers[evt.Type]...)
		hs = append(hs, b.all...)
		b.mu.Unlock()
		for _, h := range hs {
			h(evt)
		}
	}
	close(b.drained)
}

// Subscribe registers h for events of the given type. A handler
// registered after Close never fires.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers h for every event regardless of type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues evt for dispatch. It never blocks: if the queue is
// full the event is dropped and counted. Publish after Close is a
// no-op.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and blocks until everything already
// queued has been dispatched, so a process can flush its progress log
// before exiting.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.drained
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.drained
}
