// Package mock provides an in-memory [peripheral.Bus] for unit tests.
//
// The mock tracks whether a configuration is installed and rejects reads and
// writes that the real hardware would reject. It records every call so tests
// can assert on install order, teardown counts, and written PCM. Exported
// fields control return values.
//
// Typical usage:
//
//	bus := &mock.Bus{Captured: [][]byte{chunk}}
//	p := peripheral.New(bus, peripheral.WithSettleDelay(0))
//	_ = p.ConfigureCapture(16000, 512)
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
)

// ErrNotInstalled is returned by Read, Write and ZeroDMA without an installed
// configuration.
var ErrNotInstalled = errors.New("mock bus: driver not installed")

// ErrAlreadyInstalled is returned by Install when the previous configuration
// was never uninstalled.
var ErrAlreadyInstalled = errors.New("mock bus: driver already installed")

// Bus is a mock implementation of [peripheral.Bus].
type Bus struct {
	mu sync.Mutex

	// InstallErrors is consumed front to back, one entry per Install call.
	// A nil entry, or an exhausted slice, means success.
	InstallErrors []error

	// ZeroDMAError is returned by every ZeroDMA call.
	ZeroDMAError error

	// UninstallError is returned by every Uninstall call. The driver is still
	// marked uninstalled.
	UninstallError error

	// Captured is consumed front to back by Read, one chunk per call. When it
	// is empty, Read returns (0, nil) as on a timeout.
	Captured [][]byte

	// ReadError is returned by Read instead of data when set.
	ReadError error

	// MaxWrite caps the bytes accepted per Write call, to exercise partial
	// writes. Zero accepts everything.
	MaxWrite int

	// WriteError is returned by Write when set.
	WriteError error

	// Installs records every successful Install configuration in order.
	Installs []peripheral.BusConfig

	// CallCountInstall, CallCountUninstall, CallCountZeroDMA, CallCountRead
	// and CallCountWrite count calls, including failed ones.
	CallCountInstall   int
	CallCountUninstall int
	CallCountZeroDMA   int
	CallCountRead      int
	CallCountWrite     int

	// Writes records the data of every Write call, one entry per call.
	Writes [][]byte

	// ReadTimeouts records the timeout of every Read call.
	ReadTimeouts []time.Duration

	active *peripheral.BusConfig
}

var _ peripheral.Bus = (*Bus)(nil)

// Install implements [peripheral.Bus].
func (b *Bus) Install(cfg peripheral.BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountInstall++
	if len(b.InstallErrors) > 0 {
		err := b.InstallErrors[0]
		b.InstallErrors = b.InstallErrors[1:]
		if err != nil {
			return err
		}
	}
	if b.active != nil {
		return ErrAlreadyInstalled
	}
	b.active = &cfg
	b.Installs = append(b.Installs, cfg)
	return nil
}

// Uninstall implements [peripheral.Bus].
func (b *Bus) Uninstall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountUninstall++
	b.active = nil
	return b.UninstallError
}

// ZeroDMA implements [peripheral.Bus].
func (b *Bus) ZeroDMA() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountZeroDMA++
	if b.active == nil {
		return ErrNotInstalled
	}
	return b.ZeroDMAError
}

// Read implements [peripheral.Bus].
func (b *Bus) Read(p []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountRead++
	b.ReadTimeouts = append(b.ReadTimeouts, timeout)
	if b.active == nil || b.active.Mode != peripheral.ModeCapture {
		return 0, ErrNotInstalled
	}
	if b.ReadError != nil {
		return 0, b.ReadError
	}
	if len(b.Captured) == 0 {
		return 0, nil
	}
	n := copy(p, b.Captured[0])
	if n < len(b.Captured[0]) {
		b.Captured[0] = b.Captured[0][n:]
	} else {
		b.Captured = b.Captured[1:]
	}
	return n, nil
}

// Write implements [peripheral.Bus].
func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountWrite++
	if b.active == nil || b.active.Mode != peripheral.ModePlayback {
		return 0, ErrNotInstalled
	}
	if b.WriteError != nil {
		return 0, b.WriteError
	}
	n := len(p)
	if b.MaxWrite > 0 && n > b.MaxWrite {
		n = b.MaxWrite
	}
	b.Writes = append(b.Writes, append([]byte(nil), p[:n]...))
	return n, nil
}

// Active returns the installed configuration, or nil.
func (b *Bus) Active() *peripheral.BusConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	cfg := *b.active
	return &cfg
}

// Played returns the concatenation of every written chunk.
func (b *Bus) Played() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []byte
	for _, w := range b.Writes {
		out = append(out, w...)
	}
	return out
}

// PushCaptured appends chunks to the capture queue.
func (b *Bus) PushCaptured(chunks ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Captured = append(b.Captured, chunks...)
}
