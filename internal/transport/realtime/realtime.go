// Package realtime is the cellular-modem device transport: relay frames are
// translated to and from OpenAI-style realtime JSON events carried in text
// frames of the minimal [wsframe] codec.
//
// Outbound 'A' becomes input_audio_buffer.append, 'E' becomes
// input_audio_buffer.commit followed by response.create, and 'S' becomes
// input_audio_buffer.clear. Inbound response.audio.delta is delivered as an
// 'A' frame and response.done as 'E'.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport"
	"github.com/MrWong99/pttlink/internal/transport/rawws"
	"github.com/MrWong99/pttlink/pkg/wsframe"
)

// Config holds connection and session settings.
type Config struct {
	Host string
	Port int
	Path string // default "/v1/realtime"
	TLS  bool

	Model        string
	APIKey       string
	Voice        string
	Instructions string

	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Request returns the upgrade request carrying the bearer token and beta
// header.
func (c Config) Request() wsframe.HandshakeRequest {
	path := c.Path
	if path == "" {
		path = "/v1/realtime"
	}
	if c.Model != "" {
		path += "?model=" + url.QueryEscape(c.Model)
	}
	host := c.Host
	if c.Port != 0 && c.Port != 80 && c.Port != 443 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	req := wsframe.HandshakeRequest{
		Host:    host,
		Path:    path,
		Headers: []wsframe.Header{{Name: "OpenAI-Beta", Value: "realtime=v1"}},
	}
	if c.APIKey != "" {
		req.Authorization = "Bearer " + c.APIKey
	}
	return req
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

// New returns a transport that starts dialling on its first Service call.
// A nil log uses [slog.Default].
func New(cfg Config, metrics *observe.Metrics, log *slog.Logger) *Transport {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = transport.DefaultBackoff
	}
	if cfg.Port == 0 {
		cfg.Port = 80
		if cfg.TLS {
			cfg.Port = 443
		}
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{cfg: cfg, queue: relay.NewEventQueue(0), log: log}
	t.rc = transport.NewReconnector(transport.ReconnectorConfig[*wsframe.Conn]{
		Name:       "realtime",
		Dial:       t.dial,
		Backoff:    cfg.ReconnectInterval,
		MaxBackoff: cfg.ReconnectInterval,
		Metrics:    metrics,
		Logger:     log,
		OnConnect: func(*wsframe.Conn) {
			_ = t.queue.Push(context.Background(), relay.Event{Kind: relay.EventConnected})
		},
	})
	return t
}

func (t *Transport) dial(ctx context.Context) (*wsframe.Conn, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := rawws.Dial(ctx, addr, t.cfg.TLS, t.cfg.Request(), t.cfg.HandshakeTimeout, t.log)
	if err != nil {
		return nil, err
	}
	if err := sendJSON(conn, NewSessionUpdate(t.cfg.Voice, t.cfg.Instructions)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}
	return conn, nil
}

func sendJSON(conn *wsframe.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.SendText(data)
}

// Service implements [relay.Transport].
func (t *Transport) Service(ctx context.Context, dispatch relay.Dispatch) {
	t.start.Do(func() { t.rc.Start(ctx) })
	t.queue.Drain(dispatch)

	conn, ok := t.rc.Link()
	if !ok {
		return
	}
	msgs, err := conn.Receive()
	for _, m := range msgs {
		if m.Opcode != wsframe.OpText {
			t.log.Debug("realtime: ignoring non-text message", "opcode", m.Opcode)
			continue
		}
		t.handle(m.Payload, dispatch)
	}
	if err != nil {
		t.log.Warn("realtime: receive failed", "error", err)
	}
	if err != nil || !conn.Connected() {
		t.rc.Lost(conn)
		dispatch(relay.Event{Kind: relay.EventDisconnected})
	}
}

func (t *Transport) handle(data []byte, dispatch relay.Dispatch) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.log.Debug("realtime: malformed event", "error", err)
		return
	}
	switch ev.Type {
	case TypeAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			t.log.Debug("realtime: bad audio delta", "error", err)
			return
		}
		dispatch(relay.Event{Kind: relay.EventFrame, Frame: relay.Frame{Tag: relay.TagAudio, Payload: pcm}})
	case TypeResponseDone:
		dispatch(relay.Event{Kind: relay.EventFrame, Frame: relay.Frame{Tag: relay.TagEnd}})
	case TypeTranscriptDone:
		t.log.Info("realtime: reply transcript", "text", ev.Transcript)
	case TypeError:
		if ev.Error != nil {
			t.log.Warn("realtime: server error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	default:
		t.log.Debug("realtime: event", "type", ev.Type)
	}
}

// SendTagged implements [relay.Transport].
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	conn, ok := t.rc.Link()
	if !ok {
		return wsframe.ErrNotConnected
	}
	switch tag {
	case relay.TagAudio:
		if len(payload) == 0 {
			return nil
		}
		return sendJSON(conn, AppendAudio{Type: TypeAppend, Audio: base64.StdEncoding.EncodeToString(payload)})
	case relay.TagEnd:
		if err := sendJSON(conn, Control{Type: TypeCommit}); err != nil {
			return err
		}
		return sendJSON(conn, Control{Type: TypeResponse})
	case relay.TagStart:
		return sendJSON(conn, Control{Type: TypeClear})
	default:
		return fmt.Errorf("%w: %s", relay.ErrUnknownTag, tag)
	}
}

// MaxPayload implements [relay.Transport].
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
