// Package wsframe is a minimal RFC 6455 framing codec for constrained peers
// that speak WebSocket over a raw byte socket.
//
// Every outbound message is a single FIN frame. Inbound data is decoded one
// socket read at a time: a read yields the complete frames it contains and
// nothing more. Fragmented messages and frames split across reads are not
// reassembled.
package wsframe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortFrame is returned by [DecodeFrame] when the input is shorter than the
// header or payload it declares.
var ErrShortFrame = errors.New("wsframe: truncated frame")

// ErrFrameTooLarge is returned by [DecodeFrame] for declared payload lengths
// that cannot be addressed in memory.
var ErrFrameTooLarge = errors.New("wsframe: frame too large")

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

const (
	finBit    = 0x80
	maskBit   = 0x80
	len16     = 126
	len64     = 127
	maxLen7   = 125
	maxLen16  = 0xFFFF
	maskBytes = 4
)

// Frame is a decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte

	// Length is the declared payload length.
	Length uint64

	// Payload holds the unmasked payload. For unmasked frames it aliases the
	// decoded input.
	Payload []byte
}

// HeaderLen returns the header size for a payload of n bytes.
func HeaderLen(n int, masked bool) int {
	h := 2
	switch {
	case n > maxLen16:
		h += 8
	case n > maxLen7:
		h += 2
	}
	if masked {
		h += maskBytes
	}
	return h
}

// EncodeFrame returns a complete FIN frame carrying payload. When mask is true
// a fresh random mask key is drawn and the payload is masked with it.
func EncodeFrame(op Opcode, payload []byte, mask bool) []byte {
	if !mask {
		return AppendFrame(nil, op, payload, nil)
	}
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("wsframe: crypto/rand: " + err.Error())
	}
	return AppendFrame(nil, op, payload, &key)
}

// AppendFrame appends a FIN frame carrying payload to dst. A nil key produces
// an unmasked frame. The length field always uses the shortest encoding.
func AppendFrame(dst []byte, op Opcode, payload []byte, key *[4]byte) []byte {
	n := len(payload)
	out := dst
	if need := len(dst) + HeaderLen(n, key != nil) + n; cap(out) < need {
		out = make([]byte, len(dst), need)
		copy(out, dst)
	}

	out = append(out, finBit|byte(op&0x0F))

	var mb byte
	if key != nil {
		mb = maskBit
	}
	switch {
	case n <= maxLen7:
		out = append(out, mb|byte(n))
	case n <= maxLen16:
		out = append(out, mb|len16)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, mb|len64)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	}

	if key == nil {
		return append(out, payload...)
	}
	out = append(out, key[:]...)
	start := len(out)
	out = append(out, payload...)
	maskBytesInPlace(out[start:], *key)
	return out
}

// DecodeFrame parses the frame at the start of raw. It returns the frame and
// the number of bytes it occupies. Input shorter than the declared header or
// payload yields [ErrShortFrame]; raw is never modified.
func DecodeFrame(raw []byte) (Frame, int, error) {
	if len(raw) < 2 {
		return Frame{}, 0, ErrShortFrame
	}
	f := Frame{
		Fin:    raw[0]&finBit != 0,
		Opcode: Opcode(raw[0] & 0x0F),
		Masked: raw[1]&maskBit != 0,
	}

	off := 2
	switch l := raw[1] &^ maskBit; l {
	case len16:
		if len(raw) < off+2 {
			return Frame{}, 0, ErrShortFrame
		}
		f.Length = uint64(binary.BigEndian.Uint16(raw[off:]))
		off += 2
	case len64:
		if len(raw) < off+8 {
			return Frame{}, 0, ErrShortFrame
		}
		f.Length = binary.BigEndian.Uint64(raw[off:])
		off += 8
	default:
		f.Length = uint64(l)
	}

	if f.Masked {
		if len(raw) < off+maskBytes {
			return Frame{}, 0, ErrShortFrame
		}
		copy(f.MaskKey[:], raw[off:off+maskBytes])
		off += maskBytes
	}

	if f.Length > uint64(maxInt-off) {
		return Frame{}, 0, ErrFrameTooLarge
	}
	end := off + int(f.Length)
	if len(raw) < end {
		return Frame{}, 0, ErrShortFrame
	}

	if f.Masked {
		f.Payload = make([]byte, f.Length)
		copy(f.Payload, raw[off:end])
		maskBytesInPlace(f.Payload, f.MaskKey)
	} else {
		f.Payload = raw[off:end:end]
	}
	return f, end, nil
}

const maxInt = int(^uint(0) >> 1)

// maskBytesInPlace XORs b with key, cycling through the key.
func maskBytesInPlace(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%maskBytes]
	}
}
