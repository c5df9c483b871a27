package peripheral_test

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral/mock"
)

func newPeripheral(bus *mock.Bus, opts ...peripheral.Option) (*peripheral.Peripheral, *[]time.Duration) {
	var slept []time.Duration
	opts = append([]peripheral.Option{
		peripheral.WithSleep(func(d time.Duration) { slept = append(slept, d) }),
	}, opts...)
	return peripheral.New(bus, opts...), &slept
}

func TestConfigureCapture_FromNone(t *testing.T) {
	bus := &mock.Bus{}
	p, slept := newPeripheral(bus)

	if err := p.ConfigureCapture(16000, 512); err != nil {
		t.Fatalf("ConfigureCapture: %v", err)
	}
	if p.Mode() != peripheral.ModeCapture {
		t.Errorf("Mode = %v, want capture", p.Mode())
	}
	if p.SampleRate() != 16000 || p.FrameSize() != 512 {
		t.Errorf("rate/frame = %d/%d", p.SampleRate(), p.FrameSize())
	}
	if bus.CallCountUninstall != 0 {
		t.Errorf("uninstall called %d times on first configure", bus.CallCountUninstall)
	}
	if bus.CallCountZeroDMA != 1 {
		t.Errorf("ZeroDMA called %d times, want 1", bus.CallCountZeroDMA)
	}
	if len(*slept) != 0 {
		t.Errorf("settled %v without a prior configuration", *slept)
	}
	want := peripheral.BusConfig{Mode: peripheral.ModeCapture, SampleRate: 16000, FrameSize: 512, BitsPerSample: 16, Channels: 1}
	if got := bus.Active(); got == nil || *got != want {
		t.Errorf("active = %+v, want %+v", got, want)
	}
}

func TestConfigureCapture_Idempotent(t *testing.T) {
	bus := &mock.Bus{Captured: [][]byte{{1, 2, 3, 4}}}
	p, slept := newPeripheral(bus)

	for i := range 2 {
		if err := p.ConfigureCapture(16000, 512); err != nil {
			t.Fatalf("ConfigureCapture #%d: %v", i+1, err)
		}
	}

	if bus.CallCountInstall != 2 || bus.CallCountUninstall != 1 {
		t.Errorf("install/uninstall = %d/%d, want 2/1", bus.CallCountInstall, bus.CallCountUninstall)
	}
	if len(bus.Installs) != 2 || bus.Installs[0] != bus.Installs[1] {
		t.Errorf("installs differ: %+v", bus.Installs)
	}
	if len(*slept) != 1 || (*slept)[0] != 50*time.Millisecond {
		t.Errorf("settle sleeps = %v, want [50ms]", *slept)
	}

	buf := make([]byte, 8)
	n, err := p.ReadCaptureChunk(buf, 20*time.Millisecond)
	if err != nil || n != 4 {
		t.Fatalf("ReadCaptureChunk = %d, %v; want 4, nil", n, err)
	}
}

func TestModeSwitch_FullTeardown(t *testing.T) {
	bus := &mock.Bus{}
	p, _ := newPeripheral(bus, peripheral.WithSettleDelay(5*time.Millisecond))

	steps := []struct {
		name string
		fn   func() error
		mode peripheral.Mode
		rate int
	}{
		{"capture", func() error { return p.ConfigureCapture(16000, 512) }, peripheral.ModeCapture, 16000},
		{"playback", func() error { return p.ConfigurePlayback(22050, 512) }, peripheral.ModePlayback, 22050},
		{"capture again", func() error { return p.ConfigureCapture(16000, 512) }, peripheral.ModeCapture, 16000},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if p.Mode() != s.mode || p.SampleRate() != s.rate {
			t.Errorf("%s: mode=%v rate=%d", s.name, p.Mode(), p.SampleRate())
		}
	}
	if bus.CallCountUninstall != 2 {
		t.Errorf("uninstall called %d times, want 2", bus.CallCountUninstall)
	}
}

func TestConfigure_InstallFailureLeavesNone(t *testing.T) {
	installErr := errors.New("pin config failed")
	bus := &mock.Bus{InstallErrors: []error{nil, installErr}}
	var hooked []error
	p, _ := newPeripheral(bus, peripheral.WithModeHook(func(_ peripheral.Mode, err error) {
		hooked = append(hooked, err)
	}))

	if err := p.ConfigureCapture(16000, 512); err != nil {
		t.Fatalf("ConfigureCapture: %v", err)
	}
	err := p.ConfigurePlayback(22050, 512)
	if !errors.Is(err, installErr) {
		t.Fatalf("ConfigurePlayback error = %v, want wrapping %v", err, installErr)
	}
	if p.Mode() != peripheral.ModeNone {
		t.Errorf("Mode = %v after failed install, want none", p.Mode())
	}
	if len(hooked) != 2 || hooked[0] != nil || hooked[1] == nil {
		t.Errorf("hook errors = %v", hooked)
	}

	// Retry succeeds.
	if err := p.ConfigurePlayback(22050, 512); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.Mode() != peripheral.ModePlayback {
		t.Errorf("Mode = %v after retry, want playback", p.Mode())
	}
}

func TestConfigure_ZeroDMAFailureUninstalls(t *testing.T) {
	bus := &mock.Bus{ZeroDMAError: errors.New("dma stuck")}
	p, _ := newPeripheral(bus)
	if err := p.ConfigureCapture(16000, 512); err == nil {
		t.Fatal("expected error")
	}
	if bus.Active() != nil {
		t.Error("driver left installed after dma failure")
	}
	if p.Mode() != peripheral.ModeNone {
		t.Errorf("Mode = %v, want none", p.Mode())
	}
}

func TestConfigure_InvalidArguments(t *testing.T) {
	bus := &mock.Bus{}
	p, _ := newPeripheral(bus)
	if err := p.ConfigureCapture(0, 512); err == nil {
		t.Error("expected error for zero rate")
	}
	if err := p.ConfigurePlayback(22050, -1); err == nil {
		t.Error("expected error for negative frame size")
	}
	if bus.CallCountInstall != 0 {
		t.Errorf("Install called %d times", bus.CallCountInstall)
	}
}

func TestReadCaptureChunk(t *testing.T) {
	t.Run("not in capture mode", func(t *testing.T) {
		bus := &mock.Bus{}
		p, _ := newPeripheral(bus)
		if _, err := p.ReadCaptureChunk(make([]byte, 4), time.Millisecond); !errors.Is(err, peripheral.ErrNotInCaptureMode) {
			t.Errorf("none: err = %v", err)
		}
		_ = p.ConfigurePlayback(22050, 512)
		if _, err := p.ReadCaptureChunk(make([]byte, 4), time.Millisecond); !errors.Is(err, peripheral.ErrNotInCaptureMode) {
			t.Errorf("playback: err = %v", err)
		}
	})

	t.Run("timeout returns zero without error", func(t *testing.T) {
		bus := &mock.Bus{}
		p, _ := newPeripheral(bus)
		_ = p.ConfigureCapture(16000, 512)
		n, err := p.ReadCaptureChunk(make([]byte, 1024), 20*time.Millisecond)
		if n != 0 || err != nil {
			t.Errorf("got %d, %v; want 0, nil", n, err)
		}
		if bus.ReadTimeouts[0] != 20*time.Millisecond {
			t.Errorf("timeout passed = %v", bus.ReadTimeouts[0])
		}
	})

	t.Run("deadline exceeded is a timeout", func(t *testing.T) {
		bus := &mock.Bus{ReadError: os.ErrDeadlineExceeded}
		p, _ := newPeripheral(bus)
		_ = p.ConfigureCapture(16000, 512)
		if n, err := p.ReadCaptureChunk(make([]byte, 8), time.Millisecond); n != 0 || err != nil {
			t.Errorf("got %d, %v; want 0, nil", n, err)
		}
	})

	t.Run("driver error surfaces", func(t *testing.T) {
		bus := &mock.Bus{ReadError: errors.New("overrun")}
		p, _ := newPeripheral(bus)
		_ = p.ConfigureCapture(16000, 512)
		if _, err := p.ReadCaptureChunk(make([]byte, 8), time.Millisecond); err == nil {
			t.Error("expected error")
		}
	})
}

func TestWritePlaybackChunk(t *testing.T) {
	t.Run("not in playback mode", func(t *testing.T) {
		bus := &mock.Bus{}
		p, _ := newPeripheral(bus)
		_ = p.ConfigureCapture(16000, 512)
		if _, err := p.WritePlaybackChunk([]byte{1, 2}); !errors.Is(err, peripheral.ErrNotInPlaybackMode) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("partial writes are completed", func(t *testing.T) {
		bus := &mock.Bus{MaxWrite: 3}
		p, _ := newPeripheral(bus)
		_ = p.ConfigurePlayback(22050, 512)
		data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		n, err := p.WritePlaybackChunk(data)
		if err != nil || n != len(data) {
			t.Fatalf("got %d, %v", n, err)
		}
		if bus.CallCountWrite != 3 {
			t.Errorf("Write called %d times, want 3", bus.CallCountWrite)
		}
		if !bytes.Equal(bus.Played(), data) {
			t.Errorf("played %v", bus.Played())
		}
	})

	t.Run("write error", func(t *testing.T) {
		bus := &mock.Bus{WriteError: errors.New("i2s fault")}
		p, _ := newPeripheral(bus)
		_ = p.ConfigurePlayback(22050, 512)
		if _, err := p.WritePlaybackChunk([]byte{1, 2}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestClose(t *testing.T) {
	bus := &mock.Bus{}
	p, _ := newPeripheral(bus)
	if err := p.Close(); err != nil {
		t.Fatalf("Close on none: %v", err)
	}
	_ = p.ConfigureCapture(16000, 512)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Mode() != peripheral.ModeNone || bus.Active() != nil {
		t.Error("bus still configured after Close")
	}
}

func TestModeString(t *testing.T) {
	if peripheral.ModePlayback.String() != "playback" || peripheral.Mode(9).String() != "Mode(9)" {
		t.Error("unexpected mode names")
	}
}
