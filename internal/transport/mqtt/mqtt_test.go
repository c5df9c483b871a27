package mqtt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport/mqtt"
)

type token struct{ err error }

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeClient records calls and lets tests fire broker callbacks.
type fakeClient struct {
	mu         sync.Mutex
	opts       *paho.ClientOptions
	connects   int
	disconnect int
	subscribed map[string]paho.MessageHandler
	published  []published
	publishErr error
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	return &token{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect++
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &token{err: c.publishErr}
	}
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return &token{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		c.subscribed = map[string]paho.MessageHandler{}
	}
	c.subscribed[topic] = cb
	return &token{}
}

// deliver simulates a broker message on topic.
func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.subscribed[topic]
	c.mu.Unlock()
	cb(nil, &message{topic: topic, payload: payload})
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}

func newTransport(t *testing.T, cfg mqtt.Config) (*mqtt.Transport, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	tr := mqtt.New(cfg, mqtt.WithClientFactory(func(o *paho.ClientOptions) mqtt.Client {
		fc.opts = o
		return fc
	}))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, fc
}

func service(tr *mqtt.Transport) []relay.Event {
	var events []relay.Event
	tr.Service(context.Background(), func(ev relay.Event) { events = append(events, ev) })
	return events
}

func TestTransport_OptionsFromConfig(t *testing.T) {
	_, fc := newTransport(t, mqtt.Config{Broker: "tcp://broker:1883", ClientID: "dev-1", Username: "u"})
	if fc.opts.ClientID != "dev-1" || fc.opts.Username != "u" {
		t.Errorf("options = %+v", fc.opts)
	}
	if len(fc.opts.Servers) != 1 || fc.opts.Servers[0].Host != "broker:1883" {
		t.Errorf("servers = %v", fc.opts.Servers)
	}
	if !fc.opts.AutoReconnect || !fc.opts.ConnectRetry {
		t.Error("auto reconnect and connect retry should be enabled")
	}
}

func TestTransport_ConnectSubscribeAndReceive(t *testing.T) {
	tr, fc := newTransport(t, mqtt.Config{Broker: "tcp://b:1883", DeviceID: "glasses"})

	service(tr)
	if fc.connects != 1 {
		t.Fatalf("Connect called %d times", fc.connects)
	}
	if tr.Connected() {
		t.Fatal("connected before the broker acknowledged")
	}

	fc.opts.OnConnect(nil)
	down := mqtt.DownTopic("pttlink", "glasses")
	if _, ok := fc.subscribed[down]; !ok {
		t.Fatalf("not subscribed to %s: %v", down, fc.subscribed)
	}

	fc.deliver(down, []byte{'A', 1, 2})
	fc.deliver(down, []byte{'?'})
	fc.deliver(down, []byte{'E'})

	events := service(tr)
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != relay.EventConnected {
		t.Errorf("first event = %v", events[0].Kind)
	}
	if f := events[1].Frame; f.Tag != relay.TagAudio || len(f.Payload) != 2 {
		t.Errorf("audio frame = %+v", f)
	}
	if events[2].Frame.Tag != relay.TagEnd {
		t.Errorf("end frame = %+v", events[2].Frame)
	}
}

func TestTransport_Publish(t *testing.T) {
	tr, fc := newTransport(t, mqtt.Config{Broker: "tcp://b:1883", TopicPrefix: "lab", DeviceID: "d1", MaxPayload: 256})
	if err := tr.SendTagged(relay.TagAudio, []byte{1}); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	service(tr)
	fc.opts.OnConnect(nil)
	if err := tr.SendTagged(relay.TagAudio, []byte{1, 2}); err != nil {
		t.Fatalf("SendTagged: %v", err)
	}
	if len(fc.published) != 1 || fc.published[0].topic != "lab/d1/up" || string(fc.published[0].payload) != "A\x01\x02" {
		t.Errorf("published = %+v", fc.published)
	}
	if tr.MaxPayload() != 256 {
		t.Errorf("MaxPayload = %d", tr.MaxPayload())
	}

	fc.publishErr = errors.New("broker full")
	if err := tr.SendTagged(relay.TagEnd, nil); err == nil {
		t.Error("publish error not returned")
	}
}

func TestTransport_ConnectionLost(t *testing.T) {
	tr, fc := newTransport(t, mqtt.Config{Broker: "tcp://b:1883"})
	service(tr)
	fc.opts.OnConnect(nil)
	fc.opts.OnConnectionLost(nil, errors.New("eof"))

	events := service(tr)
	if len(events) != 2 || events[1].Kind != relay.EventDisconnected {
		t.Fatalf("events = %+v", events)
	}
	if tr.Connected() {
		t.Error("Connected = true after loss")
	}

	_ = tr.Close()
	_ = tr.Close()
	if fc.disconnect != 1 {
		t.Errorf("Disconnect called %d times, want 1", fc.disconnect)
	}
}
