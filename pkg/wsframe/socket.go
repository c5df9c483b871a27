package wsframe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"
)

// Socket is a raw, byte-oriented, connected stream.
type Socket interface {
	// Write sends p in full or returns an error.
	Write(p []byte) (int, error)

	// Poll reads whatever bytes are available right now into p. It returns
	// (0, nil) if nothing arrived within the socket's short poll window.
	Poll(p []byte) (int, error)

	// Close releases the socket.
	Close() error
}

// NetSocket adapts a [net.Conn] to [Socket] using short read deadlines.
type NetSocket struct {
	conn net.Conn
	wait time.Duration
}

var _ Socket = (*NetSocket)(nil)

// DefaultPollWait is how long [NetSocket.Poll] waits for data.
const DefaultPollWait = 5 * time.Millisecond

// NewNetSocket wraps conn. Poll waits at most wait for data; zero selects
// [DefaultPollWait].
func NewNetSocket(conn net.Conn, wait time.Duration) *NetSocket {
	if wait <= 0 {
		wait = DefaultPollWait
	}
	return &NetSocket{conn: conn, wait: wait}
}

// DialSocket opens a TCP connection to addr and wraps it.
func DialSocket(ctx context.Context, addr string) (*NetSocket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetSocket(conn, 0), nil
}

// DialTLSSocket opens a TLS connection to addr and wraps it. A nil cfg uses
// the host part of addr as the server name.
func DialTLSSocket(ctx context.Context, addr string, cfg *tls.Config) (*NetSocket, error) {
	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetSocket(conn, 0), nil
}

// Write implements [Socket].
func (s *NetSocket) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Poll implements [Socket].
func (s *NetSocket) Poll(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.wait)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Close implements [Socket].
func (s *NetSocket) Close() error {
	return s.conn.Close()
}
