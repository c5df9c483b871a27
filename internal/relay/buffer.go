package relay

import "errors"

// ErrBufferFull is returned by [UtteranceBuffer.Append] when a fragment would
// exceed the buffer's capacity.
var ErrBufferFull = errors.New("relay: utterance buffer full")

// DefaultBufferCapacity is the default utterance capacity (200 KiB).
const DefaultBufferCapacity = 200 * 1024

// UtteranceBuffer accumulates one inbound utterance in an arena allocated
// once. Its length never exceeds its capacity; an append that would is
// rejected whole and leaves the buffered bytes untouched.
type UtteranceBuffer struct {
	data   []byte
	chunks int
}

// NewUtteranceBuffer allocates a buffer holding at most capacity bytes.
func NewUtteranceBuffer(capacity int) *UtteranceBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &UtteranceBuffer{data: make([]byte, 0, capacity)}
}

// Append adds p to the buffer, or returns [ErrBufferFull] without changing
// anything.
func (b *UtteranceBuffer) Append(p []byte) error {
	if len(p) > cap(b.data)-len(b.data) {
		return ErrBufferFull
	}
	b.data = append(b.data, p...)
	b.chunks++
	return nil
}

// Reset empties the buffer. The arena is kept.
func (b *UtteranceBuffer) Reset() {
	b.data = b.data[:0]
	b.chunks = 0
}

// Len returns the number of buffered bytes.
func (b *UtteranceBuffer) Len() int { return len(b.data) }

// Cap returns the capacity.
func (b *UtteranceBuffer) Cap() int { return cap(b.data) }

// Chunks returns the number of fragments appended since the last reset.
func (b *UtteranceBuffer) Chunks() int { return b.chunks }

// Bytes returns the buffered bytes. The slice is only valid until the next
// Append or Reset.
func (b *UtteranceBuffer) Bytes() []byte { return b.data }
