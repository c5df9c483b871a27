package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/responder"
	"github.com/MrWong99/pttlink/internal/responder/mock"
	"github.com/MrWong99/pttlink/internal/server"
	"github.com/MrWong99/pttlink/internal/transport/mqtt"
	"github.com/MrWong99/pttlink/pkg/audio"
)

type token struct{}

func (token) Wait() bool                     { return true }
func (token) WaitTimeout(time.Duration) bool { return true }
func (token) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (token) Error() error                   { return nil }

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

// broker is a fake paho client. Connect fires the on-connect handler.
type broker struct {
	mu        sync.Mutex
	opts      *paho.ClientOptions
	handlers  map[string]paho.MessageHandler
	published map[string][]relay.Frame
	connected chan struct{}
	disc      int
}

func (b *broker) Connect() paho.Token {
	b.opts.OnConnect(nil)
	close(b.connected)
	return token{}
}

func (b *broker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disc++
}

func (b *broker) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f, _ := relay.ParseFrame(payload.([]byte), relay.HeaderPlain)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], f)
	return token{}
}

func (b *broker) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = cb
	return token{}
}

func (b *broker) deliver(filter, topic string, f relay.Frame) {
	b.mu.Lock()
	cb := b.handlers[filter]
	b.mu.Unlock()
	cb(nil, &message{topic: topic, payload: f.Encode(relay.HeaderPlain)})
}

func (b *broker) downFrames(topic string) []relay.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relay.Frame(nil), b.published[topic]...)
}

func TestBridge_ServesMQTTDevices(t *testing.T) {
	resp := &mock.Responder{Reply: responder.Reply{PCM: make([]byte, 6000), Rate: audio.PlaybackRate}}
	srv := server.New(server.Config{}, resp, server.WithSleep(noSleep))

	fb := &broker{
		handlers:  map[string]paho.MessageHandler{},
		published: map[string][]relay.Frame{},
		connected: make(chan struct{}),
	}
	bridge := server.NewBridge(srv, server.BridgeConfig{Broker: "tcp://broker:1883"},
		server.WithBridgeClientFactory(func(o *paho.ClientOptions) mqtt.Client {
			fb.opts = o
			return fb
		}))
	if fb.opts.ClientID != "pttlink-relay" || !fb.opts.AutoReconnect {
		t.Errorf("client options = %+v", fb.opts)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	<-fb.connected

	up := mqtt.UpTopic("pttlink", "kitchen")
	for _, chunk := range relay.Fragment(make([]byte, 32000), 4000) {
		fb.deliver("pttlink/+/up", up, relay.Frame{Tag: relay.TagAudio, Payload: chunk})
	}
	fb.deliver("pttlink/+/up", "pttlink/kitchen/sideways", relay.Frame{Tag: relay.TagEnd})
	fb.deliver("pttlink/+/up", up, relay.Frame{Tag: relay.TagEnd})

	down := mqtt.DownTopic("pttlink", "kitchen")
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames := fb.downFrames(down)
		if n := len(frames); n > 0 && frames[n-1].Tag == relay.TagEnd {
			if n != 3 {
				t.Errorf("down frames = %d, want 2 audio and 1 end", n)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply on %s; got %d frames", down, len(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if bridge.Devices() != 1 {
		t.Errorf("Devices = %d, want 1", bridge.Devices())
	}
	if resp.CallCount() != 1 {
		t.Errorf("responder calls = %d, want 1", resp.CallCount())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.disc != 1 {
		t.Errorf("disconnects = %d, want 1", fb.disc)
	}
}
