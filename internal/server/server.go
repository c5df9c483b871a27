// Package server is the companion side of the relay. It accepts device
// connections, collects the audio of each utterance, asks a
// [responder.Responder] for a reply and streams the reply back as tagged
// frames.
//
// A session is transport agnostic: anything that reads and writes relay
// frames can be served. [Server.Handler] serves WebSocket devices and
// [Bridge] serves MQTT devices.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/responder"
	"github.com/MrWong99/pttlink/pkg/audio"
)

// Conn carries relay frames between the server and one device.
type Conn interface {
	// ReadFrame blocks until the next valid frame arrives. Malformed input
	// is skipped by the implementation.
	ReadFrame(ctx context.Context) (relay.Frame, error)
	WriteFrame(ctx context.Context, f relay.Frame) error
}

// Config holds turn-processing settings.
type Config struct {
	// CaptureRate is the sample rate of device audio. Default: 16000.
	CaptureRate int

	// PlaybackRate is the rate replies are resampled to. Default: 22050.
	PlaybackRate int

	// MinUtterance drops shorter utterances without a reply. Default: 1s.
	MinUtterance time.Duration

	// MaxUtterance caps buffered audio per utterance. Default: 60s.
	MaxUtterance time.Duration

	// ReplyChunk is the payload size of each reply 'A' frame. Default: 4096.
	ReplyChunk int

	// ReplyPacing is the pause after each reply frame. Default: 10ms.
	ReplyPacing time.Duration

	// SaveDir, when set, receives a WAV file per accepted utterance.
	SaveDir string
}

func (c Config) withDefaults() Config {
	if c.CaptureRate <= 0 {
		c.CaptureRate = audio.CaptureRate
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.PlaybackRate
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = time.Second
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = time.Minute
	}
	if c.ReplyChunk <= 0 {
		c.ReplyChunk = 4096
	}
	if c.ReplyPacing < 0 {
		c.ReplyPacing = 0
	}
	return c
}

// Server runs sessions. It is safe for concurrent use.
type Server struct {
	cfg     Config
	resp    responder.Responder
	metrics *observe.Metrics
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	active atomic.Int64
	saved  atomic.Uint64
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSleep replaces the pacing sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Server) { s.sleep = fn }
}

// New returns a Server answering with resp.
func New(cfg Config, resp responder.Responder, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg.withDefaults(),
		resp:  resp,
		log:   slog.Default(),
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Active returns the number of sessions being served.
func (s *Server) Active() int { return int(s.active.Load()) }

// Serve runs one session until the connection fails or ctx is done. A
// reader goroutine collects frames while a turn goroutine produces replies,
// so a 'S' frame can cancel a reply in progress.
func (s *Server) Serve(ctx context.Context, id string, c Conn) error {
	s.active.Add(1)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.active.Add(-1)
		s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}()

	sess := &session{
		srv:   s,
		id:    id,
		conn:  c,
		log:   s.log.With("device", id),
		buf:   relay.NewUtteranceBuffer(audio.Mono(s.cfg.CaptureRate).Bytes(s.cfg.MaxUtterance)),
		turns: make(chan []byte, 1),
	}
	sess.log.Info("server: session started")
	defer sess.log.Info("server: session ended")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(sess.turns)
		return sess.readLoop(gctx)
	})
	g.Go(func() error {
		sess.turnLoop(gctx)
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// savePath returns a fresh archive path for an utterance from id.
func (s *Server) savePath(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
	return filepath.Join(s.cfg.SaveDir, fmt.Sprintf("utterance-%s-%04d.wav", safe, s.saved.Add(1)))
}

func (s *Server) archive(log *slog.Logger, id string, pcm []byte) {
	if err := os.MkdirAll(s.cfg.SaveDir, 0o755); err != nil {
		log.Warn("server: cannot create save dir", "dir", s.cfg.SaveDir, "error", err)
		return
	}
	path := s.savePath(id)
	if err := audio.WriteWAVFile(path, pcm, s.cfg.CaptureRate); err != nil {
		log.Warn("server: save utterance failed", "path", path, "error", err)
		return
	}
	log.Info("server: utterance saved", "path", path)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Session ─────────────────────────────────────────────────────────────────

type session struct {
	srv   *Server
	id    string
	conn  Conn
	log   *slog.Logger
	buf   *relay.UtteranceBuffer
	turns chan []byte

	// cancel aborts the reply in progress, if any.
	cancel atomic.Pointer[context.CancelFunc]

	// partial counts 'A' frames of the current reply sent without a closing
	// 'E'. Owned by turnLoop.
	partial int
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		s.srv.metrics.RecordFrame(ctx, "in", f.Tag.String())

		switch f.Tag {
		case relay.TagAudio:
			if err := s.buf.Append(f.Payload); err != nil {
				s.srv.metrics.BufferOverflows.Add(ctx, 1)
				s.log.Warn("server: utterance buffer full, fragment dropped",
					"buffered", s.buf.Len(), "capacity", s.buf.Cap(), "fragment", len(f.Payload))
				continue
			}
			if n := s.buf.Chunks(); n%10 == 0 {
				s.log.Debug("server: receiving audio", "chunks", n, "bytes", s.buf.Len())
			}
		case relay.TagStart:
			s.buf.Reset()
			s.cancelTurn()
		case relay.TagEnd:
			pcm := append([]byte(nil), s.buf.Bytes()...)
			s.buf.Reset()
			select {
			case s.turns <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *session) cancelTurn() {
	if c := s.cancel.Load(); c != nil {
		(*c)()
	}
}

func (s *session) turnLoop(ctx context.Context) {
	for pcm := range s.turns {
		turnCtx, cancel := context.WithCancel(ctx)
		s.cancel.Store(&cancel)
		s.turn(turnCtx, pcm)
		s.cancel.Store(nil)
		cancel()
		if s.partial > 0 && ctx.Err() == nil {
			s.resetDevice(ctx)
		}
	}
}

// resetDevice tells the device to drop the unfinished reply it holds.
func (s *session) resetDevice(ctx context.Context) {
	s.log.Info("server: reply abandoned, resetting device", "frames", s.partial)
	s.partial = 0
	if err := s.write(ctx, relay.Frame{Tag: relay.TagStart}); err != nil {
		s.log.Warn("server: reset device failed", "error", err)
	}
}

// turn answers one utterance. Failures are logged and counted; the session
// carries on.
func (s *session) turn(ctx context.Context, pcm []byte) {
	cfg := s.srv.cfg
	capture := audio.Mono(cfg.CaptureRate)
	if len(pcm) < capture.Bytes(cfg.MinUtterance) {
		s.log.Info("server: utterance too short, ignored",
			"bytes", len(pcm), "duration", capture.Duration(len(pcm)))
		s.srv.metrics.RecordUtterance(ctx, "too_short")
		return
	}

	ctx, span := observe.StartSpan(ctx, "relay.turn", trace.WithAttributes(
		attribute.String("device", s.id),
		attribute.Int("utterance.bytes", len(pcm)),
	))
	err := s.respond(ctx, pcm)
	observe.EndSpan(span, err)

	switch {
	case err == nil:
		s.srv.metrics.RecordUtterance(ctx, "accepted")
	case errors.Is(err, context.Canceled):
		s.srv.metrics.RecordUtterance(ctx, "cancelled")
		observe.Logger(ctx).Info("server: reply cancelled", "device", s.id)
	default:
		s.srv.metrics.RecordUtterance(ctx, "failed")
		observe.Logger(ctx).Error("server: turn failed", "device", s.id, "error", err)
	}
}

func (s *session) respond(ctx context.Context, pcm []byte) error {
	cfg := s.srv.cfg
	log := observe.Logger(ctx).With("device", s.id)
	log.Info("server: utterance complete",
		"bytes", len(pcm), "duration", audio.Mono(cfg.CaptureRate).Duration(len(pcm)))

	if cfg.SaveDir != "" {
		s.srv.archive(log, s.id, pcm)
	}

	reply, err := s.srv.resp.Respond(ctx, pcm, cfg.CaptureRate)
	if err != nil {
		return fmt.Errorf("server: respond: %w", err)
	}
	out := reply.PCM
	if reply.Rate != cfg.PlaybackRate {
		out = audio.ResampleMono16(out, reply.Rate, cfg.PlaybackRate)
	}
	log.Info("server: sending reply", "responder", reply.Responder, "bytes", len(out),
		"duration", audio.Mono(cfg.PlaybackRate).Duration(len(out)))

	for _, chunk := range relay.Fragment(out, cfg.ReplyChunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.write(ctx, relay.Frame{Tag: relay.TagAudio, Payload: chunk}); err != nil {
			return err
		}
		s.partial++
		if err := s.srv.sleep(ctx, cfg.ReplyPacing); err != nil {
			return err
		}
	}
	if err := s.write(ctx, relay.Frame{Tag: relay.TagEnd}); err != nil {
		return err
	}
	s.partial = 0
	return nil
}

func (s *session) write(ctx context.Context, f relay.Frame) error {
	if err := s.conn.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("server: write %s frame: %w", f.Tag, err)
	}
	s.srv.metrics.RecordFrame(ctx, "out", f.Tag.String())
	return nil
}
