// Package websocket is the device transport backed by a full WebSocket
// library ([github.com/coder/websocket]) instead of the minimal codec.
//
// A reader goroutine per connection turns binary messages into relay events
// and hands them over through a [relay.EventQueue]; the relay drains them in
// Service.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport"
)

// ErrNotConnected is returned by SendTagged while the link is down.
var ErrNotConnected = errors.New("websocket: not connected")

// Config holds connection settings.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is added to the upgrade request.
	Header http.Header

	// ReconnectInterval is the fixed pause between dial attempts. Default: 2s.
	ReconnectInterval time.Duration

	// WriteTimeout bounds a single send. Default: 5s.
	WriteTimeout time.Duration
}

// link is one established connection.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *link) Close() error {
	defer l.cancel()
	return l.conn.Close(websocket.StatusNormalClosure, "closing")
}

// Transport implements [relay.Transport].
type Transport struct {
	cfg   Config
	rc    *transport.Reconnector[*link]
	queue *relay.EventQueue
	log   *slog.Logger
	start sync.Once
}

var _ relay.Transport = (*Transport)(nil)

// Option configures a [Transport].
type Option func(*Transport)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New returns a transport that starts dialling on its first Service call.
func New(cfg Config, metrics *observe.Metrics, opts ...Option) *Transport {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = transport.DefaultBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	t := &Transport{
		cfg:   cfg,
		queue: relay.NewEventQueue(0),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.rc = transport.NewReconnector(transport.ReconnectorConfig[*link]{
		Name:       "websocket",
		Dial:       t.dial,
		Backoff:    cfg.ReconnectInterval,
		MaxBackoff: cfg.ReconnectInterval,
		OnConnect:  t.onConnect,
		Metrics:    metrics,
		Logger:     t.log,
	})
	return t
}

func (t *Transport) dial(ctx context.Context) (*link, error) {
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, &websocket.DialOptions{HTTPHeader: t.cfg.Header})
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", t.cfg.URL, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	return &link{conn: conn, ctx: lctx, cancel: cancel}, nil
}

func (t *Transport) onConnect(l *link) {
	_ = t.queue.Push(l.ctx, relay.Event{Kind: relay.EventConnected})
	go t.readLoop(l)
}

func (t *Transport) readLoop(l *link) {
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			t.log.Info("websocket: connection closed", "error", err)
			_ = t.queue.Push(context.Background(), relay.Event{Kind: relay.EventDisconnected})
			t.rc.Lost(l)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			f, err := relay.ParseFrame(data, relay.HeaderPlain)
			if err != nil {
				t.log.Debug("websocket: dropping binary message", "bytes", len(data), "error", err)
				continue
			}
			if err := t.queue.Push(l.ctx, relay.Event{Kind: relay.EventFrame, Frame: f}); err != nil {
				return
			}
		case websocket.MessageText:
			t.log.Info("websocket: text message", "text", string(data))
		}
	}
}

// Service implements [relay.Transport].
func (t *Transport) Service(ctx context.Context, dispatch relay.Dispatch) {
	t.start.Do(func() { t.rc.Start(ctx) })
	t.queue.Drain(dispatch)
}

// SendTagged implements [relay.Transport].
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	l, ok := t.rc.Link()
	if !ok {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(l.ctx, t.cfg.WriteTimeout)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageBinary, relay.Frame{Tag: tag, Payload: payload}.Encode(relay.HeaderPlain))
}

// MaxPayload implements [relay.Transport].
func (t *Transport) MaxPayload() int { return 0 }

// Connected implements [relay.Transport].
func (t *Transport) Connected() bool {
	_, ok := t.rc.Link()
	return ok
}

// Close implements [relay.Transport].
func (t *Transport) Close() error {
	t.queue.Close()
	return t.rc.Stop()
}
