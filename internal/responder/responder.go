// Package responder turns a recorded device utterance into a spoken reply.
//
// A [Responder] receives 16-bit mono PCM and returns 16-bit mono PCM at
// whatever rate the backend produces; the caller resamples for the device.
// [Chain] tries several responders in order, each behind a circuit breaker.
package responder

import (
	"context"
	"errors"
)

// ErrEmptyUtterance is returned when there is no audio to respond to.
var ErrEmptyUtterance = errors.New("responder: empty utterance")

// ErrEmptyReply is returned when a backend produced no audio.
var ErrEmptyReply = errors.New("responder: empty reply")

// Reply is the result of one turn.
type Reply struct {
	// PCM is 16-bit little-endian mono audio.
	PCM []byte

	// Rate is the sample rate of PCM in Hz.
	Rate int

	// Transcript is what the device user said, when the backend reports it.
	Transcript string

	// Text is the reply as text, when the backend reports it.
	Text string

	// Responder names the backend that produced the reply.
	Responder string
}

// Responder produces a reply to one utterance.
//
// Implementations must be safe for concurrent use; the relay server calls
// Respond from one goroutine per connected device.
type Responder interface {
	Respond(ctx context.Context, pcm []byte, rate int) (Reply, error)
}
