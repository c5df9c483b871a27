// Package filebus implements [peripheral.Bus] on top of WAV files so the relay
// can run on a desktop. Capture replays a WAV file (resampled to the capture
// rate), and every playback session is written to its own WAV file.
package filebus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/pttlink/pkg/audio"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
)

var errNotInstalled = errors.New("filebus: driver not installed")

// Config configures a [Bus].
type Config struct {
	// CaptureFile is the WAV file replayed as microphone input. Empty means
	// the microphone produces silence.
	CaptureFile string

	// PlaybackDir receives one WAV file per playback session. Empty discards
	// playback.
	PlaybackDir string

	// Loop restarts capture from the beginning of the file once exhausted.
	Loop bool

	// Realtime paces reads and writes to the configured sample rate.
	Realtime bool

	// Logger receives playback file notices. Default: [slog.Default].
	Logger *slog.Logger
}

// Bus is a file-backed [peripheral.Bus].
type Bus struct {
	cfg   Config
	log   *slog.Logger
	sleep func(time.Duration)

	mu          sync.Mutex
	active      *peripheral.BusConfig
	source      []byte
	srcRate     int
	capture     []byte
	captureRate int
	pos         int
	played      []byte
	sessions    int
	files       []string
}

var _ peripheral.Bus = (*Bus)(nil)

// New returns a Bus. The capture file is decoded eagerly so configuration
// errors surface at startup.
func New(cfg Config) (*Bus, error) {
	b := &Bus{cfg: cfg, log: cfg.Logger, sleep: time.Sleep}
	if b.log == nil {
		b.log = slog.Default()
	}
	if cfg.CaptureFile != "" {
		pcm, rate, err := audio.ReadWAVFile(cfg.CaptureFile)
		if err != nil {
			return nil, fmt.Errorf("filebus: %w", err)
		}
		b.source, b.srcRate = pcm, rate
	}
	if cfg.PlaybackDir != "" {
		if err := os.MkdirAll(cfg.PlaybackDir, 0o755); err != nil {
			return nil, fmt.Errorf("filebus: %w", err)
		}
	}
	return b, nil
}

// Install implements [peripheral.Bus].
func (b *Bus) Install(cfg peripheral.BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return errors.New("filebus: driver already installed")
	}
	switch cfg.Mode {
	case peripheral.ModeCapture:
		if b.captureRate != cfg.SampleRate {
			b.capture = audio.ResampleMono16(b.source, b.srcRate, cfg.SampleRate)
			b.captureRate = cfg.SampleRate
			b.pos = 0
		}
	case peripheral.ModePlayback:
		b.played = b.played[:0]
	default:
		return fmt.Errorf("filebus: unsupported mode %s", cfg.Mode)
	}
	b.active = &cfg
	return nil
}

// Uninstall implements [peripheral.Bus]. Ending a playback session flushes
// its samples to a new WAV file.
func (b *Bus) Uninstall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	cfg := *b.active
	b.active = nil
	if cfg.Mode != peripheral.ModePlayback || len(b.played) == 0 || b.cfg.PlaybackDir == "" {
		return nil
	}
	b.sessions++
	path := filepath.Join(b.cfg.PlaybackDir, fmt.Sprintf("playback-%03d.wav", b.sessions))
	if err := audio.WriteWAVFile(path, b.played, cfg.SampleRate); err != nil {
		return fmt.Errorf("filebus: %w", err)
	}
	b.files = append(b.files, path)
	b.log.Info("filebus: playback written", "path", path, "bytes", len(b.played))
	return nil
}

// ZeroDMA implements [peripheral.Bus].
func (b *Bus) ZeroDMA() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return errNotInstalled
	}
	return nil
}

// Read implements [peripheral.Bus].
func (b *Bus) Read(p []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	if b.active == nil || b.active.Mode != peripheral.ModeCapture {
		b.mu.Unlock()
		return 0, errNotInstalled
	}
	if b.pos >= len(b.capture) && b.cfg.Loop {
		b.pos = 0
	}
	if b.pos >= len(b.capture) {
		b.mu.Unlock()
		if b.cfg.Realtime {
			b.sleep(timeout)
		}
		return 0, nil
	}
	n := copy(p[:len(p)-len(p)%audio.BytesPerSample], b.capture[b.pos:])
	b.pos += n
	rate := b.active.SampleRate
	b.mu.Unlock()

	if b.cfg.Realtime {
		b.sleep(audio.Mono(rate).Duration(n))
	}
	return n, nil
}

// Write implements [peripheral.Bus].
func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.active == nil || b.active.Mode != peripheral.ModePlayback {
		b.mu.Unlock()
		return 0, errNotInstalled
	}
	b.played = append(b.played, p...)
	rate := b.active.SampleRate
	b.mu.Unlock()

	if b.cfg.Realtime {
		b.sleep(audio.Mono(rate).Duration(len(p)))
	}
	return len(p), nil
}

// Files returns the playback files written so far.
func (b *Bus) Files() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.files...)
}
