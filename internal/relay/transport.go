package relay

import (
	"context"
	"errors"
	"sync"
)

// EventKind discriminates transport events.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Event is something a transport observed on the link.
type Event struct {
	Kind EventKind

	// Frame is set for [EventFrame].
	Frame Frame
}

// Dispatch receives transport events on the relay goroutine.
type Dispatch func(Event)

// Transport carries tagged frames to and from the remote peer.
//
// Service is the only place events are delivered: the relay calls it once per
// loop iteration, and every event it dispatches runs synchronously on the
// relay goroutine. Transports that receive on their own goroutines must hand
// events over through an [EventQueue].
type Transport interface {
	// Service performs one bounded round of network work (polling,
	// reconnecting) and dispatches any resulting events.
	Service(ctx context.Context, dispatch Dispatch)

	// SendTagged sends one frame. payload must not exceed MaxPayload.
	SendTagged(tag Tag, payload []byte) error

	// MaxPayload is the largest payload a single frame may carry, or 0 when
	// unbounded.
	MaxPayload() int

	// Connected reports whether the link is up.
	Connected() bool

	Close() error
}

// ErrQueueClosed is returned by [EventQueue.Push] after Close.
var ErrQueueClosed = errors.New("relay: event queue closed")

// EventQueue hands events from transport goroutines to the relay goroutine.
// Push blocks while the queue is full, which applies backpressure to the
// network reader instead of dropping frames.
type EventQueue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventQueue returns a queue buffering up to size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 256
	}
	return &EventQueue{ch: make(chan Event, size), done: make(chan struct{})}
}

// Push enqueues ev, blocking until there is room, ctx is done, or the queue
// is closed.
func (q *EventQueue) Push(ctx context.Context, ev Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Drain dispatches every event queued right now and returns how many there
// were. It never blocks.
func (q *EventQueue) Drain(dispatch Dispatch) int {
	n := 0
	for {
		select {
		case ev := <-q.ch:
			dispatch(ev)
			n++
		default:
			return n
		}
	}
}

// Close unblocks pending and future pushes. Already queued events can still
// be drained.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
