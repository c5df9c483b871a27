package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport/mqtt"
)

// BridgeConfig holds the broker settings of the relay's MQTT side.
type BridgeConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// TopicPrefix defaults to "pttlink".
	TopicPrefix string
	QoS         byte

	// PublishTimeout bounds each reply publish. Default: 5s.
	PublishTimeout time.Duration
}

// inboxSize is the per-device frame backlog before messages are dropped.
const inboxSize = 256

// Bridge serves devices that use the MQTT transport. It subscribes to every
// device's up topic and runs one session per device id.
type Bridge struct {
	srv    *Server
	cfg    BridgeConfig
	client mqtt.Client
	log    *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	devices  map[string]*mqttConn
	sessions sync.WaitGroup
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge, *mqtt.ClientFactory)

// WithBridgeClientFactory replaces [paho.NewClient].
func WithBridgeClientFactory(f mqtt.ClientFactory) BridgeOption {
	return func(_ *Bridge, cf *mqtt.ClientFactory) { *cf = f }
}

// NewBridge returns a bridge feeding s. It connects when Run is called.
func NewBridge(s *Server, cfg BridgeConfig, opts ...BridgeOption) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "pttlink"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pttlink-relay"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	b := &Bridge{
		srv:     s,
		cfg:     cfg,
		log:     s.log.With("bridge", "mqtt"),
		devices: make(map[string]*mqttConn),
	}
	factory := mqtt.ClientFactory(func(o *paho.ClientOptions) mqtt.Client { return paho.NewClient(o) })
	for _, o := range opts {
		o(b, &factory)
	}

	po := paho.NewClientOptions()
	po.AddBroker(cfg.Broker)
	po.SetClientID(cfg.ClientID)
	po.SetUsername(cfg.Username)
	po.SetPassword(cfg.Password)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(2 * time.Second)
	po.SetOnConnectHandler(func(paho.Client) { b.subscribe() })
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.log.Warn("server: mqtt connection lost", "error", err)
	})
	b.client = factory(po)
	return b
}

func (b *Bridge) upFilter() string { return b.cfg.TopicPrefix + "/+/up" }

func (b *Bridge) subscribe() {
	tok := b.client.Subscribe(b.upFilter(), b.cfg.QoS, func(_ paho.Client, m paho.Message) {
		b.onMessage(m.Topic(), m.Payload())
	})
	if tok.WaitTimeout(b.cfg.PublishTimeout) && tok.Error() != nil {
		b.log.Error("server: mqtt subscribe failed", "filter", b.upFilter(), "error", tok.Error())
		return
	}
	b.log.Info("server: mqtt bridge subscribed", "broker", b.cfg.Broker, "filter", b.upFilter())
}

// deviceOf extracts the device id from {prefix}/{device}/up.
func (b *Bridge) deviceOf(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	device, ok := strings.CutSuffix(rest, "/up")
	if !ok || device == "" || strings.Contains(device, "/") {
		return "", false
	}
	return device, true
}

func (b *Bridge) onMessage(topic string, payload []byte) {
	device, ok := b.deviceOf(topic)
	if !ok {
		b.log.Debug("server: mqtt message on unexpected topic", "topic", topic)
		return
	}
	f, err := relay.ParseFrame(payload, relay.HeaderPlain)
	if err != nil {
		b.log.Debug("server: mqtt malformed frame", "device", device, "error", err)
		return
	}
	f.Payload = append([]byte(nil), f.Payload...)

	c := b.conn(device)
	if c == nil {
		return
	}
	select {
	case c.inbox <- f:
	default:
		b.log.Warn("server: mqtt device backlog full, frame dropped", "device", device, "tag", f.Tag)
	}
}

// conn returns the session connection for device, starting a session on
// first contact. It returns nil when the bridge is not running.
func (b *Bridge) conn(device string) *mqttConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil || b.ctx.Err() != nil {
		return nil
	}
	if c, ok := b.devices[device]; ok {
		return c
	}
	c := &mqttConn{
		bridge: b,
		down:   mqtt.DownTopic(b.cfg.TopicPrefix, device),
		inbox:  make(chan relay.Frame, inboxSize),
	}
	b.devices[device] = c
	b.sessions.Add(1)
	go func() {
		defer b.sessions.Done()
		if err := b.srv.Serve(b.ctx, "mqtt:"+device, c); err != nil {
			b.log.Warn("server: mqtt session error", "device", device, "error", err)
		}
		b.mu.Lock()
		delete(b.devices, device)
		b.mu.Unlock()
	}()
	return c
}

// Devices returns the number of devices with a running session.
func (b *Bridge) Devices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

// Run connects to the broker and serves devices until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.ctx != nil {
		b.mu.Unlock()
		return errors.New("server: mqtt bridge already running")
	}
	b.ctx = ctx
	b.mu.Unlock()

	tok := b.client.Connect()
	go func() {
		if tok.Wait() && tok.Error() != nil {
			b.log.Error("server: mqtt connect failed", "broker", b.cfg.Broker, "error", tok.Error())
		}
	}()

	<-ctx.Done()
	b.client.Disconnect(250)
	b.sessions.Wait()
	return nil
}

// mqttConn is one device's view of the bridge.
type mqttConn struct {
	bridge *Bridge
	down   string
	inbox  chan relay.Frame
}

var _ Conn = (*mqttConn)(nil)

func (c *mqttConn) ReadFrame(ctx context.Context) (relay.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-ctx.Done():
		return relay.Frame{}, ctx.Err()
	}
}

func (c *mqttConn) WriteFrame(_ context.Context, f relay.Frame) error {
	cfg := c.bridge.cfg
	tok := c.bridge.client.Publish(c.down, cfg.QoS, false, f.Encode(relay.HeaderPlain))
	if !tok.WaitTimeout(cfg.PublishTimeout) {
		return fmt.Errorf("server: publish to %s timed out", c.down)
	}
	return tok.Error()
}
