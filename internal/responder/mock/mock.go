// Package mock provides a test double for [responder.Responder].
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/pttlink/internal/responder"
)

var _ responder.Responder = (*Responder)(nil)

// Call records the arguments of one Respond call.
type Call struct {
	PCM  []byte
	Rate int
}

// Responder returns Reply, or Err when set, and records every call.
type Responder struct {
	mu sync.Mutex

	Reply responder.Reply
	Err   error

	// Hook, when set, runs before the result is returned. It may block on
	// ctx to simulate a slow backend.
	Hook func(ctx context.Context) error

	Calls []Call
}

// Respond implements [responder.Responder].
func (m *Responder) Respond(ctx context.Context, pcm []byte, rate int) (responder.Reply, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{PCM: slices.Clone(pcm), Rate: rate})
	reply, err, hook := m.Reply, m.Err, m.Hook
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return responder.Reply{}, herr
		}
	}
	if err != nil {
		return responder.Reply{}, err
	}
	reply.PCM = slices.Clone(reply.PCM)
	return reply, nil
}

// CallCount returns the number of Respond calls.
func (m *Responder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
