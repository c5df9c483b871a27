package app

import (
	"context"
	"fmt"
	"os"

	"github.com/MrWong99/pttlink/internal/config"
	"github.com/MrWong99/pttlink/internal/health"
	"github.com/MrWong99/pttlink/internal/ptt"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral/filebus"
)

// ─── Device role ─────────────────────────────────────────────────────────────

func (a *App) initDevice(context.Context) error {
	tr, err := a.registry.CreateTransport(a.cfg)
	if err != nil {
		return fmt.Errorf("app: transport: %w", err)
	}
	a.closers = append(a.closers, tr.Close)

	bus := a.bus
	if bus == nil {
		fb, err := filebus.New(filebus.Config{
			CaptureFile: a.cfg.Audio.CaptureFile,
			PlaybackDir: a.cfg.Audio.PlaybackDir,
			Loop:        a.cfg.Audio.LoopCapture,
			Realtime:    true,
			Logger:      a.log,
		})
		if err != nil {
			return fmt.Errorf("app: audio bus: %w", err)
		}
		bus = fb
	}
	dev := peripheral.New(bus,
		peripheral.WithSettleDelay(a.cfg.Audio.SettleDelay),
		peripheral.WithLogger(a.log),
	)
	a.closers = append(a.closers, dev.Close)

	btn, err := a.pttButton()
	if err != nil {
		return err
	}

	r := relay.New(relayConfig(a.cfg), dev, tr, btn,
		relay.WithLogger(a.log),
		relay.WithMetrics(a.metrics),
	)
	a.runners = append(a.runners, r.Run)
	a.ready = append(a.ready, health.Func("transport", tr.Connected))

	a.log.Info("device ready",
		"transport", string(a.cfg.Device.Transport),
		"ptt", string(a.cfg.Device.PTT),
		"capture_rate", a.cfg.Audio.CaptureRate,
		"playback_rate", a.cfg.Audio.PlaybackRate,
	)
	return nil
}

// pttButton builds the button for device.ptt. A keyboard button also
// registers its reader as a runner.
func (a *App) pttButton() (relay.Button, error) {
	if a.button != nil {
		return a.button, nil
	}
	switch a.cfg.Device.PTT {
	case config.PTTKeyboard:
		in := a.input
		if in == nil {
			in = os.Stdin
		}
		k := ptt.NewKeyboard(in, a.log)
		a.runners = append(a.runners, k.Run)
		return k, nil
	case config.PTTScript:
		s, err := ptt.ParseScript(a.cfg.Device.Script)
		if err != nil {
			return nil, fmt.Errorf("app: ptt script: %w", err)
		}
		return s, nil
	default:
		return ptt.Static(false), nil
	}
}

// relayConfig maps the audio and device sections onto the state machine's
// tunables. BLE notifications are small, so progress is logged less often.
func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.CaptureRate = cfg.Audio.CaptureRate
	rc.PlaybackRate = cfg.Audio.PlaybackRate
	rc.FrameSize = cfg.Audio.SamplesPerChunk
	rc.ChunkBytes = cfg.Audio.SamplesPerChunk * 2
	rc.BufferCapacity = cfg.Audio.BufferCapacity
	rc.PlaybackSlice = cfg.Audio.PlaybackSlice
	rc.ReadTimeout = cfg.Audio.ReadTimeout
	rc.RetryDelay = cfg.Audio.RetryDelay
	rc.Tick = cfg.Device.Tick
	if cfg.Device.Transport == config.TransportBLE {
		rc.ProgressEvery = 20
	}
	return rc
}
