package wsframe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotConnected is returned when sending on a closed or failed [Conn].
var ErrNotConnected = errors.New("wsframe: not connected")

// Role selects the masking direction. Clients mask every frame they send;
// servers never do.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Masks reports whether frames sent in this role carry a mask key.
func (r Role) Masks() bool { return r == RoleClient }

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Message is a decoded data frame.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// DefaultReadSize is the size of the per-poll read buffer.
const DefaultReadSize = 16 * 1024

// Conn is a framed WebSocket session over a [Socket].
//
// Conn is not safe for concurrent use.
type Conn struct {
	sock      Socket
	role      Role
	connected bool
	pending   []byte
	buf       []byte
	log       *slog.Logger
}

// ConnOption configures a [Conn].
type ConnOption func(*Conn)

// WithReadSize sets the per-poll read buffer size.
func WithReadSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.buf = make([]byte, n)
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// NewConn wraps an already upgraded socket.
func NewConn(sock Socket, role Role, opts ...ConnOption) *Conn {
	c := &Conn{
		sock:      sock,
		role:      role,
		connected: true,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.buf == nil {
		c.buf = make([]byte, DefaultReadSize)
	}
	return c
}

// Dial performs the client handshake over sock and returns a connected
// client-role [Conn]. On failure sock is closed.
func Dial(ctx context.Context, sock Socket, req HandshakeRequest, cfg HandshakeConfig, opts ...ConnOption) (*Conn, error) {
	rest, err := Handshake(ctx, sock, req, cfg)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	c := NewConn(sock, RoleClient, opts...)
	c.pending = rest
	return c, nil
}

// Role returns the connection role.
func (c *Conn) Role() Role { return c.role }

// Connected reports whether the session is still usable.
func (c *Conn) Connected() bool { return c.connected }

// Send writes payload as a single frame, masked according to the role.
func (c *Conn) Send(op Opcode, payload []byte) error {
	if !c.connected {
		return ErrNotConnected
	}
	if _, err := c.sock.Write(EncodeFrame(op, payload, c.role.Masks())); err != nil {
		c.connected = false
		return fmt.Errorf("wsframe: send %s: %w", op, err)
	}
	return nil
}

// SendBinary sends a binary frame.
func (c *Conn) SendBinary(payload []byte) error { return c.Send(OpBinary, payload) }

// SendText sends a text frame.
func (c *Conn) SendText(payload []byte) error { return c.Send(OpText, payload) }

// Receive performs one socket read and returns the data frames it contained.
// Pings are answered with a pong carrying the same payload. A close frame
// marks the session disconnected and ends decoding. Malformed or truncated
// input discards the rest of the read; the session stays open.
func (c *Conn) Receive() ([]Message, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	raw := c.pending
	c.pending = nil
	if len(raw) == 0 {
		n, err := c.sock.Poll(c.buf)
		if err != nil {
			c.connected = false
			return nil, fmt.Errorf("wsframe: receive: %w", err)
		}
		raw = c.buf[:n]
	}

	var msgs []Message
	for len(raw) > 0 {
		f, n, err := DecodeFrame(raw)
		if err != nil {
			c.log.Debug("wsframe: discarding malformed input", "bytes", len(raw), "error", err)
			break
		}
		raw = raw[n:]

		switch f.Opcode {
		case OpPing:
			if err := c.Send(OpPong, f.Payload); err != nil {
				return msgs, err
			}
		case OpPong:
		case OpClose:
			c.log.Info("wsframe: peer closed connection", "role", c.role)
			c.connected = false
			return msgs, nil
		case OpText, OpBinary, OpContinuation:
			// Payload may alias the read buffer, which the next Receive reuses.
			msgs = append(msgs, Message{Opcode: f.Opcode, Payload: append([]byte(nil), f.Payload...)})
		default:
			c.log.Debug("wsframe: ignoring frame", "opcode", f.Opcode)
		}
	}
	return msgs, nil
}

// Close sends a close frame when still connected and closes the socket.
func (c *Conn) Close() error {
	if c.connected {
		_ = c.Send(OpClose, nil)
		c.connected = false
	}
	return c.sock.Close()
}
