package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyFrame is returned when a frame has no tag byte.
	ErrEmptyFrame = errors.New("relay: empty frame")

	// ErrShortHeader is returned when a sequenced frame lacks its sequence byte.
	ErrShortHeader = errors.New("relay: frame shorter than header")

	// ErrUnknownTag is returned for a first byte that is not a known tag.
	ErrUnknownTag = errors.New("relay: unknown tag")
)

// Tag is the one-byte discriminator at the start of every relay frame.
type Tag byte

const (
	TagAudio Tag = 'A' // raw 16-bit PCM payload
	TagEnd   Tag = 'E' // end of utterance
	TagStart Tag = 'S' // start/reset: discard anything buffered
)

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	return t == TagAudio || t == TagEnd || t == TagStart
}

func (t Tag) String() string {
	if t.Valid() {
		return string(rune(t))
	}
	return fmt.Sprintf("tag(0x%02x)", byte(t))
}

// Header selects the framing used by a transport.
type Header int

const (
	// HeaderPlain is a single tag byte (WebSocket, MQTT).
	HeaderPlain Header = iota

	// HeaderSequenced is a tag byte followed by a sequence byte (BLE GATT).
	HeaderSequenced
)

// Size returns the header length in bytes.
func (h Header) Size() int {
	if h == HeaderSequenced {
		return 2
	}
	return 1
}

// Frame is the unit exchanged with the remote peer.
type Frame struct {
	Tag Tag

	// Seq is advisory and wraps at 256. Only sequenced transports carry it.
	Seq uint8

	Payload []byte
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame, h Header) []byte {
	dst = append(dst, byte(f.Tag))
	if h == HeaderSequenced {
		dst = append(dst, f.Seq)
	}
	return append(dst, f.Payload...)
}

// Encode returns the wire encoding of f.
func (f Frame) Encode(h Header) []byte {
	return AppendFrame(make([]byte, 0, h.Size()+len(f.Payload)), f, h)
}

// ParseFrame decodes a wire frame. The payload aliases b.
func ParseFrame(b []byte, h Header) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	f := Frame{Tag: Tag(b[0])}
	if !f.Tag.Valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, b[0])
	}
	if h == HeaderSequenced {
		if len(b) < 2 {
			return Frame{}, ErrShortHeader
		}
		f.Seq = b[1]
	}
	f.Payload = b[h.Size():]
	return f, nil
}

// Fragment splits payload into pieces of at most max bytes. The split points
// fall on sample boundaries. A non-positive max returns payload whole.
func Fragment(payload []byte, max int) [][]byte {
	if max <= 0 || len(payload) <= max {
		return [][]byte{payload}
	}
	if max > 1 {
		max -= max % 2
	}
	out := make([][]byte, 0, (len(payload)+max-1)/max)
	for len(payload) > 0 {
		n := min(max, len(payload))
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}
