package ble_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport/ble"
	"github.com/MrWong99/pttlink/internal/transport/ble/mock"
)

func service(tr *ble.Transport) []relay.Event {
	var events []relay.Event
	tr.Service(context.Background(), func(ev relay.Event) { events = append(events, ev) })
	return events
}

func started(t *testing.T) (*ble.Transport, *mock.Stack) {
	t.Helper()
	stack := &mock.Stack{}
	tr := ble.New(stack, "", nil)
	service(tr)
	if stack.Handler == nil {
		t.Fatal("Service did not start the stack")
	}
	return tr, stack
}

func TestTransport_StartsWithDeviceName(t *testing.T) {
	_, stack := started(t)
	if stack.Name != ble.DeviceName {
		t.Errorf("Name = %q, want %q", stack.Name, ble.DeviceName)
	}
}

func TestTransport_StartRetriesLater(t *testing.T) {
	stack := &mock.Stack{StartErrors: []error{errors.New("adapter off")}}
	tr := ble.New(stack, "glasses", nil)

	service(tr)
	service(tr)
	if stack.CallCountStart != 1 {
		t.Errorf("Start called %d times, want 1 within the backoff", stack.CallCountStart)
	}
}

func TestTransport_ConnectAndMTU(t *testing.T) {
	tr, stack := started(t)
	if tr.Connected() {
		t.Fatal("connected before a central arrived")
	}

	stack.Handler.OnConnect(247)
	events := service(tr)
	if len(events) != 1 || events[0].Kind != relay.EventConnected {
		t.Fatalf("events = %+v", events)
	}
	if !tr.Connected() {
		t.Error("Connected = false")
	}
	if got := tr.MaxPayload(); got != 247-3-2 {
		t.Errorf("MaxPayload = %d, want %d", got, 242)
	}

	stack.Handler.OnMTU(512)
	if got := tr.MaxPayload(); got != 507 {
		t.Errorf("MaxPayload = %d after MTU change, want 507", got)
	}
	stack.Handler.OnMTU(5)
	if got := tr.MaxPayload(); got != ble.PayloadSize(ble.MinMTU) {
		t.Errorf("MaxPayload = %d, want the minimum MTU payload", got)
	}
}

func TestTransport_InboundWrites(t *testing.T) {
	tr, stack := started(t)
	stack.Handler.OnConnect(512)

	buf := []byte{'A', 3, 10, 20}
	stack.Handler.OnWrite(ble.AudioRX, buf)
	buf[2] = 99 // the stack may reuse its buffer
	stack.Handler.OnWrite(ble.AudioRX, []byte{'A'})
	stack.Handler.OnWrite(ble.Control, []byte{'E', 0})
	stack.Handler.OnWrite(ble.Control, []byte{'A', 0})
	stack.Handler.OnWrite(ble.Control, nil)
	stack.Handler.OnWrite(ble.Control, []byte{'S', 0})

	var frames []relay.Frame
	for _, ev := range service(tr) {
		if ev.Kind == relay.EventFrame {
			frames = append(frames, ev.Frame)
		}
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %+v, want A, E, S", frames)
	}
	if frames[0].Tag != relay.TagAudio || frames[0].Seq != 3 || !bytes.Equal(frames[0].Payload, []byte{10, 20}) {
		t.Errorf("audio frame = %+v", frames[0])
	}
	if frames[1].Tag != relay.TagEnd || frames[2].Tag != relay.TagStart {
		t.Errorf("control frames = %+v", frames[1:])
	}
}

func TestTransport_OutboundNotifications(t *testing.T) {
	tr, stack := started(t)
	if err := tr.SendTagged(relay.TagAudio, []byte{1}); !errors.Is(err, ble.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	stack.Handler.OnConnect(512)
	for i := 0; i < 257; i++ {
		if err := tr.SendTagged(relay.TagAudio, []byte{1, 2}); err != nil {
			t.Fatalf("SendTagged: %v", err)
		}
	}
	if err := tr.SendTagged(relay.TagEnd, nil); err != nil {
		t.Fatalf("SendTagged: %v", err)
	}

	n := stack.Notifications
	if len(n) != 258 {
		t.Fatalf("notifications = %d", len(n))
	}
	if n[0].Characteristic != ble.AudioTX || !bytes.Equal(n[0].Value, []byte{'A', 0, 1, 2}) {
		t.Errorf("first = %+v", n[0])
	}
	if n[255].Value[1] != 255 || n[256].Value[1] != 0 {
		t.Errorf("sequence did not wrap: %d, %d", n[255].Value[1], n[256].Value[1])
	}
	if last := n[257]; last.Characteristic != ble.Control || !bytes.Equal(last.Value, []byte{'E', 0}) {
		t.Errorf("end marker = %+v", last)
	}
}

func TestTransport_DisconnectReadvertises(t *testing.T) {
	tr, stack := started(t)
	stack.Handler.OnConnect(512)
	stack.Handler.OnDisconnect()

	events := service(tr)
	if len(events) != 2 || events[1].Kind != relay.EventDisconnected {
		t.Fatalf("events = %+v", events)
	}
	if tr.Connected() {
		t.Error("Connected = true after disconnect")
	}
	if stack.CallCountAdvertise != 1 {
		t.Errorf("Advertise called %d times, want 1", stack.CallCountAdvertise)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stack.CallCountClose != 1 {
		t.Errorf("stack closed %d times", stack.CallCountClose)
	}
}

func TestCharacteristic_UUID(t *testing.T) {
	if ble.Control.UUID() != ble.ControlUUID || ble.AudioRX.String() != "audio_rx" {
		t.Error("unexpected characteristic identity")
	}
}
