// Package rawws is the device transport that speaks WebSocket through the
// minimal [wsframe] codec over a raw TCP (or TLS) socket.
//
// Tagged frames travel as binary messages with a one-byte header. Text
// messages from the peer are logged and otherwise ignored. The link is
// redialled every ReconnectInterval while down.
package rawws

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport"
	"github.com/MrWong99/pttlink/pkg/wsframe"
)

// Config holds connection settings.
type Config struct {
	Host string
	Port int
	Path string
	TLS  bool

	// Authorization is sent as the Authorization header when set.
	Authorization string

	// Headers are added to the upgrade request, sorted by name.
	Headers map[string]string

	// ReconnectInterval is the fixed pause between dial attempts. Default: 2s.
	ReconnectInterval time.Duration

	// HandshakeTimeout bounds the wait for "101". Default: 2s.
	HandshakeTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Request returns the upgrade request for c.
func (c Config) Request() wsframe.HandshakeRequest {
	names := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		names = append(names, k)
	}
	sort.Strings(names)

	req := wsframe.HandshakeRequest{
		Host:          c.Addr(),
		Path:          c.Path,
		Authorization: c.Authorization,
	}
	for _, k := range names {
		req.Headers = append(req.Headers, wsframe.Header{Name: k, Value: c.Headers[k]})
	}
	return req
}

// Dial opens a socket to addr and completes the upgrade handshake. It is
// shared with the realtime transport.
func Dial(ctx context.Context, addr string, useTLS bool, req wsframe.HandshakeRequest, timeout time.Duration, log *slog.Logger) (*wsframe.Conn, error) {
	var (
		sock *wsframe.NetSocket
		err  error
	)
	if useTLS {
		sock, err = wsframe.DialTLSSocket(ctx, addr, nil)
	} else {
		sock, err = wsframe.DialSocket(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return wsframe.Dial(ctx, sock, req, wsframe.HandshakeConfig{Timeout: timeout}, wsframe.WithLogger(log))
}

// Transport implements [relay.Transport].
type Transport struct {
	cfg   Config
	rc    *transport.Reconnector[*wsframe.Conn]
	queue *relay.EventQueue
	log   *slog.Logger
	start sync.Once
}

var _ relay.Transport = (*Transport)(nil)

// Option configures a [Transport].
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *observe.Metrics
	dial    func(ctx context.Context) (*wsframe.Conn, error)
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metrics sink for reconnect attempts.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDialer replaces the socket dial and handshake, mainly for tests.
func WithDialer(fn func(ctx context.Context) (*wsframe.Conn, error)) Option {
	return func(o *options) { o.dial = fn }
}

// New returns a transport that starts dialling on its first Service call.
func New(cfg Config, opts ...Option) *Transport {
	o := options{log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = transport.DefaultBackoff
	}
	if o.dial == nil {
		o.dial = func(ctx context.Context) (*wsframe.Conn, error) {
			return Dial(ctx, cfg.Addr(), cfg.TLS, cfg.Request(), cfg.HandshakeTimeout, o.log)
		}
	}

	t := &Transport{
		cfg:   cfg,
		queue: relay.NewEventQueue(0),
		log:   o.log,
	}
	t.rc = transport.NewReconnector(transport.ReconnectorConfig[*wsframe.Conn]{
		Name:       "rawws",
		Dial:       o.dial,
		Backoff:    cfg.ReconnectInterval,
		MaxBackoff: cfg.ReconnectInterval,
		Metrics:    o.metrics,
		Logger:     o.log,
		OnConnect: func(*wsframe.Conn) {
			_ = t.queue.Push(context.Background(), relay.Event{Kind: relay.EventConnected})
		},
	})
	return t
}

// Service implements [relay.Transport]. It performs at most one socket read.
func (t *Transport) Service(ctx context.Context, dispatch relay.Dispatch) {
	t.start.Do(func() { t.rc.Start(ctx) })
	t.queue.Drain(dispatch)

	conn, ok := t.rc.Link()
	if !ok {
		return
	}
	msgs, err := conn.Receive()
	for _, m := range msgs {
		t.handle(m, dispatch)
	}
	if err != nil {
		t.log.Warn("rawws: receive failed", "error", err)
	}
	if err != nil || !conn.Connected() {
		t.rc.Lost(conn)
		dispatch(relay.Event{Kind: relay.EventDisconnected})
	}
}

func (t *Transport) handle(m wsframe.Message, dispatch relay.Dispatch) {
	switch m.Opcode {
	case wsframe.OpBinary:
		f, err := relay.ParseFrame(m.Payload, relay.HeaderPlain)
		if err != nil {
			t.log.Debug("rawws: dropping binary message", "bytes", len(m.Payload), "error", err)
			return
		}
		dispatch(relay.Event{Kind: relay.EventFrame, Frame: f})
	case wsframe.OpText:
		t.log.Info("rawws: text message", "text", string(m.Payload))
	default:
		t.log.Debug("rawws: ignoring message", "opcode", m.Opcode)
	}
}

// SendTagged implements [relay.Transport].
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	conn, ok := t.rc.Link()
	if !ok {
		return wsframe.ErrNotConnected
	}
	return conn.SendBinary(relay.Frame{Tag: tag, Payload: payload}.Encode(relay.HeaderPlain))
}

// MaxPayload implements [relay.Transport]. WebSocket frames are unbounded.
func (t *Transport) MaxPayload() int { return 0 }

// Connected implements [relay.Transport].
func (t *Transport) Connected() bool {
	conn, ok := t.rc.Link()
	return ok && conn.Connected()
}

// Close sends a close frame and stops reconnecting.
func (t *Transport) Close() error {
	t.queue.Close()
	return t.rc.Stop()
}
