// Package mqtt carries relay frames over MQTT topics.
//
// The device publishes to {prefix}/{device}/up and subscribes to
// {prefix}/{device}/down. Every message is one plain-header relay frame.
// Reconnection is left to the paho client's auto-reconnect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport"
)

// ErrNotConnected is returned by SendTagged while the broker link is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds broker and topic settings.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// TopicPrefix defaults to "pttlink".
	TopicPrefix string

	// DeviceID names this device's topics. Defaults to ClientID.
	DeviceID string

	QoS byte

	// MaxPayload bounds audio fragments. Zero leaves them whole.
	MaxPayload int

	// ReconnectInterval is the pause between connect attempts. Default: 2s.
	ReconnectInterval time.Duration

	// PublishTimeout bounds the wait for a publish to be accepted. Default: 5s.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "pttlink"
	}
	if c.ClientID == "" {
		c.ClientID = "pttlink-device"
	}
	if c.DeviceID == "" {
		c.DeviceID = c.ClientID
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = transport.DefaultBackoff
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// UpTopic is where the device publishes.
func UpTopic(prefix, device string) string { return fmt.Sprintf("%s/%s/up", prefix, device) }

// DownTopic is where the device listens.
func DownTopic(prefix, device string) string { return fmt.Sprintf("%s/%s/down", prefix, device) }

// Client is the subset of [paho.Client] the transport uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// ClientFactory builds a client from fully populated options.
type ClientFactory func(opts *paho.ClientOptions) Client

// Transport implements [relay.Transport].
type Transport struct {
	cfg     Config
	client  Client
	queue   *relay.EventQueue
	log     *slog.Logger
	metrics *observe.Metrics

	up        atomic.Bool
	start     sync.Once
	closeOnce sync.Once
}

var _ relay.Transport = (*Transport)(nil)

// Option configures a [Transport].
type Option func(*Transport, *ClientFactory)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport, _ *ClientFactory) { t.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport, _ *ClientFactory) { t.metrics = m }
}

// WithClientFactory replaces [paho.NewClient].
func WithClientFactory(f ClientFactory) Option {
	return func(_ *Transport, cf *ClientFactory) { *cf = f }
}

// New returns a transport that connects on its first Service call.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:   cfg,
		queue: relay.NewEventQueue(0),
		log:   slog.Default(),
	}
	factory := ClientFactory(func(o *paho.ClientOptions) Client { return paho.NewClient(o) })
	for _, o := range opts {
		o(t, &factory)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}

	po := paho.NewClientOptions()
	po.AddBroker(cfg.Broker)
	po.SetClientID(cfg.ClientID)
	po.SetUsername(cfg.Username)
	po.SetPassword(cfg.Password)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(cfg.ReconnectInterval)
	po.SetMaxReconnectInterval(cfg.ReconnectInterval)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)
	po.SetOnConnectHandler(func(paho.Client) { t.onConnect() })
	po.SetConnectionLostHandler(func(_ paho.Client, err error) { t.onLost(err) })
	t.client = factory(po)
	return t
}

func (t *Transport) onConnect() {
	down := DownTopic(t.cfg.TopicPrefix, t.cfg.DeviceID)
	// Subscriptions do not survive a clean-session reconnect.
	tok := t.client.Subscribe(down, t.cfg.QoS, func(_ paho.Client, m paho.Message) {
		t.onMessage(m.Payload())
	})
	if tok.WaitTimeout(t.cfg.PublishTimeout) && tok.Error() != nil {
		t.log.Error("mqtt: subscribe failed", "topic", down, "error", tok.Error())
		t.metrics.RecordReconnect(context.Background(), "mqtt", tok.Error())
		return
	}
	t.metrics.RecordReconnect(context.Background(), "mqtt", nil)
	t.log.Info("mqtt: connected", "broker", t.cfg.Broker, "topic", down)
	t.up.Store(true)
	t.push(relay.Event{Kind: relay.EventConnected})
}

func (t *Transport) onLost(err error) {
	t.up.Store(false)
	t.log.Warn("mqtt: connection lost", "error", err)
	t.push(relay.Event{Kind: relay.EventDisconnected})
}

func (t *Transport) onMessage(payload []byte) {
	f, err := relay.ParseFrame(payload, relay.HeaderPlain)
	if err != nil {
		t.log.Debug("mqtt: dropping message", "bytes", len(payload), "error", err)
		return
	}
	f.Payload = append([]byte(nil), f.Payload...)
	t.push(relay.Event{Kind: relay.EventFrame, Frame: f})
}

func (t *Transport) push(ev relay.Event) {
	if err := t.queue.Push(context.Background(), ev); err != nil {
		t.log.Debug("mqtt: event dropped", "kind", ev.Kind, "error", err)
	}
}

// Service implements [relay.Transport].
func (t *Transport) Service(_ context.Context, dispatch relay.Dispatch) {
	t.start.Do(func() {
		// With connect retry enabled the token completes only once connected.
		tok := t.client.Connect()
		go func() {
			if tok.Wait() && tok.Error() != nil {
				t.log.Error("mqtt: connect failed", "broker", t.cfg.Broker, "error", tok.Error())
			}
		}()
	})
	t.queue.Drain(dispatch)
}

// SendTagged implements [relay.Transport].
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	if !t.up.Load() {
		return ErrNotConnected
	}
	up := UpTopic(t.cfg.TopicPrefix, t.cfg.DeviceID)
	tok := t.client.Publish(up, t.cfg.QoS, false, relay.Frame{Tag: tag, Payload: payload}.Encode(relay.HeaderPlain))
	if !tok.WaitTimeout(t.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", up)
	}
	return tok.Error()
}

// MaxPayload implements [relay.Transport].
func (t *Transport) MaxPayload() int { return t.cfg.MaxPayload }

// Connected implements [relay.Transport].
func (t *Transport) Connected() bool { return t.up.Load() }

// Close implements [relay.Transport].
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.up.Store(false)
		t.queue.Close()
		t.client.Disconnect(250)
	})
	return nil
}
