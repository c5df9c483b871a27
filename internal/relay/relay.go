// Package relay implements the half-duplex push-to-talk audio relay.
//
// A [Relay] owns the device's single audio peripheral and one [Transport].
// While the push-to-talk button is held it streams microphone chunks to the
// peer as 'A' frames and ends the utterance with an 'E' frame on release.
// Inbound 'A' frames accumulate in a bounded [UtteranceBuffer]; an inbound 'E'
// seals the utterance into a short playback queue, and each sealed utterance
// is played by switching the peripheral to playback, draining it to the
// speaker and switching back to capture. Everything runs on the goroutine calling
// [Relay.Run] or [Relay.Step].
package relay

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/pkg/audio"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
)

// State is the relay's position in the capture/playback cycle.
type State int

const (
	// StateCaptureIdle: peripheral in capture mode, button released.
	StateCaptureIdle State = iota

	// StateCaptureActive: button held, microphone chunks are streamed.
	StateCaptureActive

	// StateAwaitingPlayback: at least one sealed utterance is queued and the
	// peripheral is still in capture mode.
	StateAwaitingPlayback

	// StatePlaying: peripheral in playback mode, buffer draining.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateCaptureIdle:
		return "capture_idle"
	case StateCaptureActive:
		return "capture_active"
	case StateAwaitingPlayback:
		return "awaiting_playback"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Device is the shared audio peripheral as seen by the relay.
// [*peripheral.Peripheral] implements it.
type Device interface {
	ConfigureCapture(sampleRate, frameSize int) error
	ConfigurePlayback(sampleRate, frameSize int) error
	ReadCaptureChunk(buf []byte, timeout time.Duration) (int, error)
	WritePlaybackChunk(data []byte) (int, error)
	Mode() peripheral.Mode
}

var _ Device = (*peripheral.Peripheral)(nil)

// Button is the push-to-talk input.
type Button interface {
	// Pressed reports whether the button is currently held.
	Pressed() bool
}

// Config holds the relay's tuning constants.
type Config struct {
	CaptureRate  int
	PlaybackRate int

	// FrameSize is the DMA frame length in samples for both modes.
	FrameSize int

	// ChunkBytes is the microphone read size per step.
	ChunkBytes int

	BufferCapacity int

	// PlaybackSlice is the write size while draining the buffer.
	PlaybackSlice int

	// ReadTimeout bounds each microphone read.
	ReadTimeout time.Duration

	// RetryDelay is the pause before the single retry of a failed mode switch.
	RetryDelay time.Duration

	// CaptureRetryInterval throttles attempts to bring capture back after it
	// failed outright.
	CaptureRetryInterval time.Duration

	// Tick is the pause between loop iterations in [Relay.Run].
	Tick time.Duration

	// ProgressEvery logs receive progress every N fragments.
	ProgressEvery int
}

// DefaultConfig returns the constants used by the WebSocket firmware.
func DefaultConfig() Config {
	return Config{
		CaptureRate:          audio.CaptureRate,
		PlaybackRate:         audio.PlaybackRate,
		FrameSize:            audio.SamplesPerChunk,
		ChunkBytes:           audio.ChunkBytes,
		BufferCapacity:       DefaultBufferCapacity,
		PlaybackSlice:        2048,
		ReadTimeout:          20 * time.Millisecond,
		RetryDelay:           100 * time.Millisecond,
		CaptureRetryInterval: time.Second,
		Tick:                 time.Millisecond,
		ProgressEvery:        10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CaptureRate <= 0 {
		c.CaptureRate = d.CaptureRate
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = d.PlaybackRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = d.FrameSize
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = d.ChunkBytes
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.PlaybackSlice <= 0 {
		c.PlaybackSlice = d.PlaybackSlice
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.CaptureRetryInterval <= 0 {
		c.CaptureRetryInterval = d.CaptureRetryInterval
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	return c
}

// maxSealed bounds the utterances queued for playback while push-to-talk is
// held. The oldest is dropped when a new one arrives on a full queue.
const maxSealed = 4

// Stats are running totals since the relay was created.
type Stats struct {
	FramesSent        int
	FramesReceived    int
	Overflows         int
	Playbacks         int
	DroppedUtterances int
}

// Relay is the push-to-talk audio relay state machine.
type Relay struct {
	cfg Config
	dev Device
	tr  Transport
	btn Button
	buf *UtteranceBuffer

	state   State
	talking bool
	readBuf []byte
	sealed  [][]byte

	nextCaptureAttempt time.Time
	stats              Stats

	log     *slog.Logger
	metrics *observe.Metrics
	sleep   func(time.Duration)
	now     func() time.Time
}

// Option configures a [Relay].
type Option func(*Relay)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithSleep replaces [time.Sleep] for retry delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(r *Relay) { r.sleep = fn }
}

// WithClock replaces [time.Now].
func WithClock(fn func() time.Time) Option {
	return func(r *Relay) { r.now = fn }
}

// New returns a relay in [StateCaptureIdle]. The relay becomes the sole owner
// of dev.
func New(cfg Config, dev Device, tr Transport, btn Button, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:     cfg,
		dev:     dev,
		tr:      tr,
		btn:     btn,
		buf:     NewUtteranceBuffer(cfg.BufferCapacity),
		readBuf: make([]byte, cfg.ChunkBytes),
		log:     slog.Default(),
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// State returns the current state.
func (r *Relay) State() State { return r.state }

// Buffered returns the number of bytes in the utterance still being received.
func (r *Relay) Buffered() int { return r.buf.Len() }

// Pending returns the number of sealed utterances waiting for playback.
func (r *Relay) Pending() int { return len(r.sealed) }

// Stats returns running totals.
func (r *Relay) Stats() Stats { return r.stats }

// Run configures capture, waits for a button held at boot to be released,
// then steps the relay every Tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.switchMode(peripheral.ModeCapture); err != nil {
		r.log.Error("relay: microphone unavailable at boot", "error", err)
		r.nextCaptureAttempt = r.now().Add(r.cfg.CaptureRetryInterval)
	}

	if r.btn.Pressed() {
		r.log.Warn("relay: push-to-talk held at boot, waiting for release")
		for r.btn.Pressed() {
			if !r.wait(ctx, 100*time.Millisecond) {
				return nil
			}
		}
		r.log.Info("relay: push-to-talk released")
	}

	r.log.Info("relay: ready", "capture_rate", r.cfg.CaptureRate, "playback_rate", r.cfg.PlaybackRate)
	for {
		r.Step(ctx)
		if !r.wait(ctx, r.cfg.Tick) {
			return nil
		}
	}
}

func (r *Relay) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Step runs one loop iteration: service the transport, play sealed
// utterances in arrival order, then handle push-to-talk if the link is up.
func (r *Relay) Step(ctx context.Context) {
	r.tr.Service(ctx, func(ev Event) { r.handleEvent(ctx, ev) })

	for len(r.sealed) > 0 && !r.talking {
		next := r.sealed[0]
		r.sealed[0] = nil
		r.sealed = r.sealed[1:]
		r.play(ctx, next)
	}

	r.ensureCapture()

	if !r.tr.Connected() {
		return
	}
	r.handlePTT(ctx)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (r *Relay) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		r.log.Info("relay: transport connected")
	case EventDisconnected:
		r.log.Info("relay: transport disconnected, discarding utterance",
			"bytes", r.buf.Len(),
			"pending", len(r.sealed),
		)
		r.buf.Reset()
		r.sealed = nil
		r.talking = false
		r.state = StateCaptureIdle
	case EventFrame:
		r.handleFrame(ctx, ev.Frame)
	}
}

func (r *Relay) handleFrame(ctx context.Context, f Frame) {
	r.stats.FramesReceived++
	r.metrics.RecordFrame(ctx, "in", f.Tag.String())

	switch f.Tag {
	case TagAudio:
		if len(f.Payload) == 0 {
			return
		}
		if err := r.buf.Append(f.Payload); err != nil {
			r.stats.Overflows++
			r.metrics.BufferOverflows.Add(ctx, 1)
			r.log.Warn("relay: utterance buffer full, dropping fragment",
				"buffered", r.buf.Len(),
				"capacity", r.buf.Cap(),
				"fragment", len(f.Payload),
			)
			return
		}
		if c := r.buf.Chunks(); c%r.cfg.ProgressEvery == 0 {
			r.log.Debug("relay: receiving", "chunks", c, "bytes", r.buf.Len())
		}

	case TagStart:
		r.log.Debug("relay: start marker, clearing buffer", "bytes", r.buf.Len(), "pending", len(r.sealed))
		r.buf.Reset()
		r.sealed = nil
		if r.state == StateAwaitingPlayback {
			r.state = r.captureState()
		}

	case TagEnd:
		if r.buf.Len() == 0 {
			r.log.Debug("relay: end marker with empty buffer ignored")
			return
		}
		r.log.Info("relay: end marker", "bytes", r.buf.Len(), "chunks", r.buf.Chunks())
		r.seal(ctx)
	}
}

// seal moves the received utterance onto the playback queue so fragments
// arriving after the end marker start a new one.
func (r *Relay) seal(ctx context.Context) {
	if len(r.sealed) == maxSealed {
		r.log.Warn("relay: playback queue full, dropping oldest utterance", "bytes", len(r.sealed[0]))
		r.stats.DroppedUtterances++
		r.metrics.RecordPlayback(ctx, 0, "dropped")
		r.sealed[0] = nil
		r.sealed = r.sealed[1:]
	}
	r.sealed = append(r.sealed, bytes.Clone(r.buf.Bytes()))
	r.buf.Reset()
	r.state = StateAwaitingPlayback
}

// captureState is the state to settle in after a playback or reset.
func (r *Relay) captureState() State {
	if len(r.sealed) > 0 {
		return StateAwaitingPlayback
	}
	if r.talking {
		return StateCaptureActive
	}
	return StateCaptureIdle
}

// ── Playback ─────────────────────────────────────────────────────────────────

func (r *Relay) play(ctx context.Context, data []byte) {
	r.state = StatePlaying
	total := len(data)
	start := r.now()

	if err := r.switchMode(peripheral.ModePlayback); err != nil {
		r.log.Error("relay: speaker unavailable, dropping utterance", "bytes", total, "error", err)
		r.stats.DroppedUtterances++
		r.metrics.RecordPlayback(ctx, 0, "dropped")
		r.restoreCapture()
		r.state = r.captureState()
		return
	}

	format := audio.Mono(r.cfg.PlaybackRate)
	r.log.Info("relay: playing", "bytes", total, "seconds", format.Duration(total).Seconds())

	written, slices, nextReport := 0, 0, 20
	status := "ok"
	for off := 0; off < len(data); off += r.cfg.PlaybackSlice {
		end := min(off+r.cfg.PlaybackSlice, len(data))
		n, err := r.dev.WritePlaybackChunk(data[off:end])
		written += n
		slices++
		if err != nil {
			r.log.Warn("relay: playback write failed", "written", written, "error", err)
			status = "error"
			break
		}
		if pct := written * 100 / len(data); pct >= nextReport {
			r.log.Debug("relay: playback progress", "percent", pct)
			nextReport = pct - pct%20 + 20
		}
	}

	r.log.Info("relay: playback complete",
		"bytes", written,
		"slices", slices,
		"seconds", format.Duration(written).Seconds(),
	)
	r.stats.Playbacks++
	r.metrics.RecordPlayback(ctx, r.now().Sub(start).Seconds(), status)

	r.restoreCapture()
	r.state = r.captureState()
}

// switchMode reconfigures the peripheral, retrying once after RetryDelay.
func (r *Relay) switchMode(mode peripheral.Mode) error {
	configure := r.dev.ConfigureCapture
	rate := r.cfg.CaptureRate
	if mode == peripheral.ModePlayback {
		configure = r.dev.ConfigurePlayback
		rate = r.cfg.PlaybackRate
	}

	err := configure(rate, r.cfg.FrameSize)
	r.metrics.RecordModeSwitch(context.Background(), mode.String(), err)
	if err == nil {
		return nil
	}
	r.log.Warn("relay: mode switch failed, retrying", "mode", mode, "error", err)
	r.sleep(r.cfg.RetryDelay)

	err = configure(rate, r.cfg.FrameSize)
	r.metrics.RecordModeSwitch(context.Background(), mode.String(), err)
	return err
}

func (r *Relay) restoreCapture() {
	if err := r.switchMode(peripheral.ModeCapture); err != nil {
		r.log.Error("relay: microphone unavailable after playback", "error", err)
		r.nextCaptureAttempt = r.now().Add(r.cfg.CaptureRetryInterval)
	}
}

// ensureCapture brings capture back after an earlier outright failure, at
// most once per CaptureRetryInterval.
func (r *Relay) ensureCapture() {
	if r.dev.Mode() == peripheral.ModeCapture || r.now().Before(r.nextCaptureAttempt) {
		return
	}
	err := r.dev.ConfigureCapture(r.cfg.CaptureRate, r.cfg.FrameSize)
	r.metrics.RecordModeSwitch(context.Background(), peripheral.ModeCapture.String(), err)
	if err != nil {
		r.log.Warn("relay: microphone still unavailable", "error", err)
		r.nextCaptureAttempt = r.now().Add(r.cfg.CaptureRetryInterval)
		return
	}
	r.log.Info("relay: microphone restored")
}

// ── Outbound ─────────────────────────────────────────────────────────────────

func (r *Relay) handlePTT(ctx context.Context) {
	if !r.btn.Pressed() {
		if r.talking {
			r.talking = false
			r.send(ctx, TagEnd, nil)
			r.log.Info("relay: push-to-talk released, end marker sent")
			if r.state == StateCaptureActive {
				r.state = StateCaptureIdle
			}
		}
		return
	}

	if !r.talking {
		r.talking = true
		if r.state == StateCaptureIdle {
			r.state = StateCaptureActive
		}
		r.log.Info("relay: push-to-talk pressed, streaming")
	}

	if r.dev.Mode() != peripheral.ModeCapture {
		return
	}
	n, err := r.dev.ReadCaptureChunk(r.readBuf, r.cfg.ReadTimeout)
	if err != nil {
		r.log.Debug("relay: microphone read failed", "error", err)
		return
	}
	if n == 0 {
		return
	}
	for _, frag := range Fragment(r.readBuf[:n], r.tr.MaxPayload()) {
		r.send(ctx, TagAudio, frag)
	}
}

func (r *Relay) send(ctx context.Context, tag Tag, payload []byte) {
	if err := r.tr.SendTagged(tag, payload); err != nil {
		r.log.Debug("relay: send failed", "tag", tag, "error", err)
		return
	}
	r.stats.FramesSent++
	r.metrics.RecordFrame(ctx, "out", tag.String())
}
