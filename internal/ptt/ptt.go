// Package ptt provides push-to-talk inputs for the relay: a terminal
// keyboard toggle, a timed script for unattended runs, and a fixed state.
package ptt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/MrWong99/pttlink/internal/relay"
)

var (
	_ relay.Button = Static(false)
	_ relay.Button = (*Script)(nil)
	_ relay.Button = (*Keyboard)(nil)
)

// Static is a button stuck in one position.
type Static bool

// Pressed implements [relay.Button].
func (s Static) Pressed() bool { return bool(s) }

// ── Script ───────────────────────────────────────────────────────────────────

// Script alternates between idle and pressed on a fixed schedule, starting
// idle.
type Script struct {
	Press time.Duration
	Idle  time.Duration

	start time.Time
	now   func() time.Time
}

// ParseScript parses "press:idle", e.g. "2s:3s".
func ParseScript(s string) (*Script, error) {
	pressStr, idleStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("ptt: script %q: want press:idle", s)
	}
	press, err := time.ParseDuration(pressStr)
	if err != nil {
		return nil, fmt.Errorf("ptt: script press: %w", err)
	}
	idle, err := time.ParseDuration(idleStr)
	if err != nil {
		return nil, fmt.Errorf("ptt: script idle: %w", err)
	}
	if press <= 0 || idle <= 0 {
		return nil, fmt.Errorf("ptt: script %q: durations must be positive", s)
	}
	return NewScript(press, idle, time.Now), nil
}

// NewScript returns a script whose cycle starts at now().
func NewScript(press, idle time.Duration, now func() time.Time) *Script {
	return &Script{Press: press, Idle: idle, start: now(), now: now}
}

// Pressed implements [relay.Button].
func (s *Script) Pressed() bool {
	phase := s.now().Sub(s.start) % (s.Press + s.Idle)
	return phase >= s.Idle
}

// ── Keyboard ─────────────────────────────────────────────────────────────────

// ErrInterrupted is returned by [Keyboard.Run] when the user asks to quit.
var ErrInterrupted = errors.New("ptt: interrupted")

const (
	keyCtrlC  = 0x03
	keyCtrlD  = 0x04
	keyEscape = 0x1b
)

// Keyboard toggles the button with space or enter. In a raw terminal, q,
// Escape and Ctrl-C end [Keyboard.Run] with [ErrInterrupted].
type Keyboard struct {
	in      io.Reader
	log     *slog.Logger
	pressed atomic.Bool
}

// NewKeyboard reads keys from in. A nil log uses [slog.Default].
func NewKeyboard(in io.Reader, log *slog.Logger) *Keyboard {
	if log == nil {
		log = slog.Default()
	}
	return &Keyboard{in: in, log: log}
}

// Pressed implements [relay.Button].
func (k *Keyboard) Pressed() bool { return k.pressed.Load() }

// Run reads keys until in is exhausted, a quit key arrives or ctx is done.
// When in is a terminal it is switched to raw mode for the duration.
func (k *Keyboard) Run(ctx context.Context) error {
	if f, ok := k.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("ptt: raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), state) }()
	}
	k.log.Info("ptt: press space or enter to talk, again to stop; q quits")

	keys := make(chan byte)
	errc := make(chan error, 1)
	go func() {
		r := bufio.NewReader(k.in)
		for {
			b, err := r.ReadByte()
			if err != nil {
				errc <- err
				return
			}
			select {
			case keys <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ptt: read keys: %w", err)
		case b := <-keys:
			switch b {
			case ' ', '\r', '\n':
				now := !k.pressed.Load()
				k.pressed.Store(now)
				k.log.Info("ptt: toggled", "pressed", now)
			case 'q', keyCtrlC, keyCtrlD, keyEscape:
				k.pressed.Store(false)
				return ErrInterrupted
			}
		}
	}
}
