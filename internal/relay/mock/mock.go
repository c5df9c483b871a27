// Package mock provides in-memory implementations of [relay.Transport] and
// [relay.Button] for unit tests.
//
// Tests queue inbound events with [Transport.Queue]; the next Service call
// dispatches them in order. Outbound frames are recorded in Sent.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pttlink/internal/relay"
)

// Transport is a mock implementation of [relay.Transport].
type Transport struct {
	mu sync.Mutex

	// Up is returned by Connected.
	Up bool

	// Max is returned by MaxPayload.
	Max int

	// SendError is returned by SendTagged when set. Failed sends are not
	// recorded in Sent.
	SendError error

	// Sent records every successful SendTagged call in order. Payloads are
	// copied.
	Sent []relay.Frame

	CallCountService int
	CallCountClose   int

	pending []relay.Event
}

var _ relay.Transport = (*Transport)(nil)

// Queue schedules events for the next Service call.
func (t *Transport) Queue(events ...relay.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, events...)
}

// QueueFrame schedules an inbound frame.
func (t *Transport) QueueFrame(tag relay.Tag, payload []byte) {
	t.Queue(relay.Event{Kind: relay.EventFrame, Frame: relay.Frame{Tag: tag, Payload: payload}})
}

// Service implements [relay.Transport]. Connect and disconnect events also
// update Up.
func (t *Transport) Service(_ context.Context, dispatch relay.Dispatch) {
	t.mu.Lock()
	t.CallCountService++
	events := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, ev := range events {
		t.mu.Lock()
		switch ev.Kind {
		case relay.EventConnected:
			t.Up = true
		case relay.EventDisconnected:
			t.Up = false
		}
		t.mu.Unlock()
		dispatch(ev)
	}
}

// SendTagged implements [relay.Transport].
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendError != nil {
		return t.SendError
	}
	t.Sent = append(t.Sent, relay.Frame{Tag: tag, Payload: append([]byte(nil), payload...)})
	return nil
}

// MaxPayload implements [relay.Transport].
func (t *Transport) MaxPayload() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Max
}

// Connected implements [relay.Transport].
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Up
}

// Close implements [relay.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	return nil
}

// Tags returns the tags of every sent frame.
func (t *Transport) Tags() []relay.Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]relay.Tag, len(t.Sent))
	for i, f := range t.Sent {
		out[i] = f.Tag
	}
	return out
}

// Services returns CallCountService under the lock.
func (t *Transport) Services() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountService
}

// Button is a mock push-to-talk button safe for concurrent use.
type Button struct {
	held atomic.Bool
}

var _ relay.Button = (*Button)(nil)

// Set presses or releases the button.
func (b *Button) Set(pressed bool) { b.held.Store(pressed) }

// Pressed implements [relay.Button].
func (b *Button) Pressed() bool { return b.held.Load() }
