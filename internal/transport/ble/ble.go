// Package ble is the BLE GATT device transport.
//
// The device exposes one service with three characteristics: AudioTX
// (notify, device to peer), AudioRX (write without response, peer to
// device) and Control (write and notify, 'S'/'E' markers both ways). Audio
// fragments carry a two-byte {tag, seq} header; control packets are
// {tag, 0}. The payload per fragment is the negotiated MTU minus the ATT
// overhead and the header.
//
// The radio itself is a [Stack] supplied by the platform.
package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pttlink/internal/relay"
)

// GATT identifiers.
const (
	DeviceName        = "AIGlasses-ESP32C6"
	ServiceUUID       = "0000aa00-1234-5678-abcd-0e5032c6b1e0"
	AudioTXUUID       = "0000aa01-1234-5678-abcd-0e5032c6b1e0"
	AudioRXUUID       = "0000aa02-1234-5678-abcd-0e5032c6b1e0"
	ControlUUID       = "0000aa03-1234-5678-abcd-0e5032c6b1e0"
	DefaultMTU        = 512
	MinMTU            = 23
	attOverhead       = 3
	startRetryBackoff = 2 * time.Second
)

// ErrNotConnected is returned by SendTagged without a central.
var ErrNotConnected = errors.New("ble: no central connected")

// Characteristic identifies one of the service's characteristics.
type Characteristic int

const (
	AudioTX Characteristic = iota
	AudioRX
	Control
)

func (c Characteristic) String() string {
	switch c {
	case AudioTX:
		return "audio_tx"
	case AudioRX:
		return "audio_rx"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// UUID returns the characteristic's UUID.
func (c Characteristic) UUID() string {
	switch c {
	case AudioTX:
		return AudioTXUUID
	case AudioRX:
		return AudioRXUUID
	default:
		return ControlUUID
	}
}

// Handler receives GATT server callbacks. Stacks may call it from any
// goroutine, but never concurrently.
type Handler interface {
	OnConnect(mtu int)
	OnDisconnect()
	OnMTU(mtu int)
	OnWrite(c Characteristic, value []byte)
}

// Stack is the platform's GATT server.
type Stack interface {
	// Start registers the service under name, installs h and begins
	// advertising.
	Start(name string, h Handler) error

	// Advertise restarts advertising after a disconnect.
	Advertise() error

	// Notify sends value to the subscribed central.
	Notify(c Characteristic, value []byte) error

	Close() error
}

// PayloadSize returns the audio bytes that fit one notification at mtu.
func PayloadSize(mtu int) int {
	return mtu - attOverhead - relay.HeaderSequenced.Size()
}

// Transport implements [relay.Transport] and [Handler].
type Transport struct {
	stack Stack
	name  string
	queue *relay.EventQueue
	log   *slog.Logger

	connected atomic.Bool
	mtu       atomic.Int32

	mu        sync.Mutex
	started   bool
	nextStart time.Time
	seq       uint8
	now       func() time.Time
}

var (
	_ relay.Transport = (*Transport)(nil)
	_ Handler         = (*Transport)(nil)
)

// New returns a transport that registers the service on its first Service
// call. An empty name uses [DeviceName]; a nil log uses [slog.Default].
func New(stack Stack, name string, log *slog.Logger) *Transport {
	if name == "" {
		name = DeviceName
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		stack: stack,
		name:  name,
		queue: relay.NewEventQueue(0),
		log:   log,
		now:   time.Now,
	}
	t.mtu.Store(DefaultMTU)
	return t
}

// Service implements [relay.Transport].
func (t *Transport) Service(_ context.Context, dispatch relay.Dispatch) {
	t.ensureStarted()
	t.queue.Drain(dispatch)
}

func (t *Transport) ensureStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.now().Before(t.nextStart) {
		return
	}
	if err := t.stack.Start(t.name, t); err != nil {
		t.log.Error("ble: start GATT server", "error", err)
		t.nextStart = t.now().Add(startRetryBackoff)
		return
	}
	t.started = true
	t.log.Info("ble: advertising", "name", t.name, "service", ServiceUUID)
}

// ── Handler ──────────────────────────────────────────────────────────────────

// OnConnect implements [Handler].
func (t *Transport) OnConnect(mtu int) {
	t.setMTU(mtu)
	t.connected.Store(true)
	t.log.Info("ble: central connected", "mtu", t.mtu.Load())
	t.push(relay.Event{Kind: relay.EventConnected})
}

// OnDisconnect implements [Handler]. Advertising restarts immediately.
func (t *Transport) OnDisconnect() {
	t.connected.Store(false)
	t.log.Info("ble: central disconnected")
	t.push(relay.Event{Kind: relay.EventDisconnected})
	if err := t.stack.Advertise(); err != nil {
		t.log.Error("ble: restart advertising", "error", err)
	}
}

// OnMTU implements [Handler].
func (t *Transport) OnMTU(mtu int) {
	t.setMTU(mtu)
	t.log.Info("ble: mtu changed", "mtu", t.mtu.Load(), "payload", t.MaxPayload())
}

func (t *Transport) setMTU(mtu int) {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	t.mtu.Store(int32(mtu))
}

// OnWrite implements [Handler].
func (t *Transport) OnWrite(c Characteristic, value []byte) {
	switch c {
	case AudioRX:
		f, err := relay.ParseFrame(value, relay.HeaderSequenced)
		if err != nil {
			t.log.Debug("ble: ignoring audio write", "bytes", len(value), "error", err)
			return
		}
		f.Payload = append([]byte(nil), f.Payload...)
		t.push(relay.Event{Kind: relay.EventFrame, Frame: f})
	case Control:
		if len(value) == 0 {
			return
		}
		tag := relay.Tag(value[0])
		if tag != relay.TagStart && tag != relay.TagEnd {
			t.log.Debug("ble: ignoring control write", "tag", tag)
			return
		}
		t.push(relay.Event{Kind: relay.EventFrame, Frame: relay.Frame{Tag: tag}})
	default:
		t.log.Debug("ble: write to read-only characteristic", "characteristic", c)
	}
}

func (t *Transport) push(ev relay.Event) {
	if err := t.queue.Push(context.Background(), ev); err != nil {
		t.log.Debug("ble: event dropped", "kind", ev.Kind, "error", err)
	}
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// SendTagged implements [relay.Transport]. Audio goes out on AudioTX with
// the next sequence number; markers go out on Control.
func (t *Transport) SendTagged(tag relay.Tag, payload []byte) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	if tag != relay.TagAudio {
		return t.stack.Notify(Control, relay.Frame{Tag: tag}.Encode(relay.HeaderSequenced))
	}

	t.mu.Lock()
	seq := t.seq
	t.seq++
	t.mu.Unlock()
	return t.stack.Notify(AudioTX, relay.Frame{Tag: tag, Seq: seq, Payload: payload}.Encode(relay.HeaderSequenced))
}

// MaxPayload implements [relay.Transport].
func (t *Transport) MaxPayload() int {
	return PayloadSize(int(t.mtu.Load()))
}

// Connected implements [relay.Transport].
func (t *Transport) Connected() bool { return t.connected.Load() }

// Close implements [relay.Transport].
func (t *Transport) Close() error {
	t.queue.Close()
	return t.stack.Close()
}
