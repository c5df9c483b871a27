// Package peripheral owns the single shared audio bus of a device.
//
// The bus has two mutually exclusive configurations: capture (microphone
// receive) and playback (speaker transmit). Every switch between them is a
// full teardown followed by a fresh install; there is no partial
// reconfiguration. A [Peripheral] is created once, handed to exactly one
// owner, and reconfigured on every capture/playback transition. It performs
// no locking; callers must not use it from more than one goroutine.
package peripheral

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// ErrNotInCaptureMode is returned by [Peripheral.ReadCaptureChunk] when the
// bus is not configured for capture.
var ErrNotInCaptureMode = errors.New("peripheral: not in capture mode")

// ErrNotInPlaybackMode is returned by [Peripheral.WritePlaybackChunk] when the
// bus is not configured for playback.
var ErrNotInPlaybackMode = errors.New("peripheral: not in playback mode")

// Mode is the active configuration of the bus.
type Mode int

const (
	ModeNone Mode = iota
	ModeCapture
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeCapture:
		return "capture"
	case ModePlayback:
		return "playback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// BitsPerSample is fixed for every configuration: signed 16-bit little-endian.
const BitsPerSample = 16

// BusConfig is the configuration installed on the hardware bus.
type BusConfig struct {
	Mode       Mode
	SampleRate int

	// FrameSize is the DMA frame length in samples.
	FrameSize int

	// BitsPerSample and Channels are always 16 and 1.
	BitsPerSample int
	Channels      int
}

// Bus is the low-level driver for the physical audio bus. Implementations
// wrap real hardware, a file, or a test double.
type Bus interface {
	// Install brings the driver up in the given configuration.
	Install(cfg BusConfig) error

	// Uninstall tears the driver down completely.
	Uninstall() error

	// ZeroDMA clears the hardware DMA buffers and returns once they hold only
	// silence.
	ZeroDMA() error

	// Read reads captured PCM. It returns (0, nil) when no data arrived
	// within timeout.
	Read(p []byte, timeout time.Duration) (int, error)

	// Write queues PCM for playback, blocking on hardware flow control.
	Write(p []byte) (int, error)
}

// ModeHook is called after every configuration attempt.
type ModeHook func(mode Mode, err error)

// Peripheral is the exclusive handle on the shared audio bus.
type Peripheral struct {
	bus        Bus
	mode       Mode
	sampleRate int
	frameSize  int

	settle time.Duration
	sleep  func(time.Duration)
	hook   ModeHook
	log    *slog.Logger
}

// Option configures a [Peripheral].
type Option func(*Peripheral)

// WithSettleDelay sets how long to wait after tearing the driver down before
// installing the next configuration. Default: 50ms.
func WithSettleDelay(d time.Duration) Option {
	return func(p *Peripheral) { p.settle = d }
}

// WithSleep replaces [time.Sleep], mainly for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(p *Peripheral) { p.sleep = fn }
}

// WithModeHook registers a callback invoked after each configuration attempt.
func WithModeHook(fn ModeHook) Option {
	return func(p *Peripheral) { p.hook = fn }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Peripheral) { p.log = l }
}

// New returns a handle on bus in [ModeNone]. Nothing is installed until the
// first Configure call.
func New(bus Bus, opts ...Option) *Peripheral {
	p := &Peripheral{
		bus:    bus,
		settle: 50 * time.Millisecond,
		sleep:  time.Sleep,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Mode returns the active configuration.
func (p *Peripheral) Mode() Mode { return p.mode }

// SampleRate returns the rate of the active configuration, or 0 in
// [ModeNone].
func (p *Peripheral) SampleRate() int { return p.sampleRate }

// FrameSize returns the DMA frame length of the active configuration.
func (p *Peripheral) FrameSize() int { return p.frameSize }

// ConfigureCapture tears down any existing configuration and installs a
// receive configuration at sampleRate. It returns once the DMA buffers are
// zeroed. On failure the bus is left in [ModeNone] and the call may be
// retried.
func (p *Peripheral) ConfigureCapture(sampleRate, frameSize int) error {
	return p.configure(ModeCapture, sampleRate, frameSize)
}

// ConfigurePlayback is the transmit counterpart of [Peripheral.ConfigureCapture].
func (p *Peripheral) ConfigurePlayback(sampleRate, frameSize int) error {
	return p.configure(ModePlayback, sampleRate, frameSize)
}

func (p *Peripheral) configure(mode Mode, sampleRate, frameSize int) (err error) {
	defer func() {
		if p.hook != nil {
			p.hook(mode, err)
		}
	}()

	if sampleRate <= 0 || frameSize <= 0 {
		return fmt.Errorf("peripheral: configure %s: invalid rate %d or frame size %d", mode, sampleRate, frameSize)
	}

	p.teardown()

	cfg := BusConfig{
		Mode:          mode,
		SampleRate:    sampleRate,
		FrameSize:     frameSize,
		BitsPerSample: BitsPerSample,
		Channels:      1,
	}
	if err := p.bus.Install(cfg); err != nil {
		return fmt.Errorf("peripheral: install %s: %w", mode, err)
	}
	if err := p.bus.ZeroDMA(); err != nil {
		if uerr := p.bus.Uninstall(); uerr != nil {
			p.log.Warn("peripheral: uninstall after failed dma reset", "error", uerr)
		}
		return fmt.Errorf("peripheral: zero dma for %s: %w", mode, err)
	}

	p.mode = mode
	p.sampleRate = sampleRate
	p.frameSize = frameSize
	p.log.Debug("peripheral configured", "mode", mode, "sample_rate", sampleRate, "frame_size", frameSize)
	return nil
}

// teardown uninstalls the active configuration, if any, and waits for the
// bus to settle.
func (p *Peripheral) teardown() {
	if p.mode == ModeNone {
		return
	}
	if err := p.bus.Uninstall(); err != nil {
		p.log.Warn("peripheral: uninstall failed", "mode", p.mode, "error", err)
	}
	p.mode = ModeNone
	p.sampleRate = 0
	p.frameSize = 0
	if p.settle > 0 {
		p.sleep(p.settle)
	}
}

// ReadCaptureChunk reads up to len(buf) bytes of captured PCM, waiting at most
// timeout. Reading zero bytes on timeout is not an error.
func (p *Peripheral) ReadCaptureChunk(buf []byte, timeout time.Duration) (int, error) {
	if p.mode != ModeCapture {
		return 0, ErrNotInCaptureMode
	}
	n, err := p.bus.Read(buf, timeout)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("peripheral: read: %w", err)
	}
	return n, nil
}

// WritePlaybackChunk queues all of data to the speaker and returns the number
// of bytes written. It blocks on hardware flow control only.
func (p *Peripheral) WritePlaybackChunk(data []byte) (int, error) {
	if p.mode != ModePlayback {
		return 0, ErrNotInPlaybackMode
	}
	written := 0
	for written < len(data) {
		n, err := p.bus.Write(data[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("peripheral: write: %w", err)
		}
		if n == 0 {
			return written, fmt.Errorf("peripheral: write: %w", io.ErrNoProgress)
		}
	}
	return written, nil
}

// Close uninstalls the active configuration.
func (p *Peripheral) Close() error {
	if p.mode == ModeNone {
		return nil
	}
	p.mode = ModeNone
	p.sampleRate = 0
	p.frameSize = 0
	return p.bus.Uninstall()
}
