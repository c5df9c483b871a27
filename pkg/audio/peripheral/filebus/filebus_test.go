package filebus_test

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pttlink/pkg/audio"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral/filebus"
)

func writeCapture(t *testing.T, samples int) string {
	t.Helper()
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(i * 10)
	}
	path := filepath.Join(t.TempDir(), "mic.wav")
	if err := audio.WriteWAVFile(path, audio.PCM(pcm), audio.CaptureRate); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}
	return path
}

func TestBus_CaptureAndPlayback(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	bus, err := filebus.New(filebus.Config{
		CaptureFile: writeCapture(t, 600),
		PlaybackDir: outDir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := peripheral.New(bus, peripheral.WithSettleDelay(0))

	if err := p.ConfigureCapture(audio.CaptureRate, audio.SamplesPerChunk); err != nil {
		t.Fatalf("ConfigureCapture: %v", err)
	}
	buf := make([]byte, audio.ChunkBytes)
	total := 0
	for {
		n, err := p.ReadCaptureChunk(buf, time.Millisecond)
		if err != nil {
			t.Fatalf("ReadCaptureChunk: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total != 1200 {
		t.Errorf("captured %d bytes, want 1200", total)
	}

	if err := p.ConfigurePlayback(audio.PlaybackRate, audio.SamplesPerChunk); err != nil {
		t.Fatalf("ConfigurePlayback: %v", err)
	}
	reply := audio.PCM([]int16{1, 2, 3, 4, 5})
	if _, err := p.WritePlaybackChunk(reply); err != nil {
		t.Fatalf("WritePlaybackChunk: %v", err)
	}
	if err := p.ConfigureCapture(audio.CaptureRate, audio.SamplesPerChunk); err != nil {
		t.Fatalf("ConfigureCapture: %v", err)
	}

	files := bus.Files()
	if len(files) != 1 {
		t.Fatalf("files = %v, want one", files)
	}
	pcm, rate, err := audio.ReadWAVFile(files[0])
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if rate != audio.PlaybackRate || len(pcm) != len(reply) {
		t.Errorf("playback file rate=%d len=%d", rate, len(pcm))
	}
}

func TestBus_LogsThroughConfiguredLogger(t *testing.T) {
	var out bytes.Buffer
	bus, err := filebus.New(filebus.Config{
		PlaybackDir: t.TempDir(),
		Logger:      slog.New(slog.NewTextHandler(&out, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := peripheral.New(bus, peripheral.WithSettleDelay(0))
	if err := p.ConfigurePlayback(audio.PlaybackRate, audio.SamplesPerChunk); err != nil {
		t.Fatalf("ConfigurePlayback: %v", err)
	}
	if _, err := p.WritePlaybackChunk(audio.PCM([]int16{1, 2})); err != nil {
		t.Fatalf("WritePlaybackChunk: %v", err)
	}
	if err := p.ConfigureCapture(audio.CaptureRate, audio.SamplesPerChunk); err != nil {
		t.Fatalf("ConfigureCapture: %v", err)
	}
	if !strings.Contains(out.String(), "filebus: playback written") {
		t.Errorf("log output = %q, want the playback notice", out.String())
	}
}

func TestBus_LoopAndSilence(t *testing.T) {
	bus, err := filebus.New(filebus.Config{CaptureFile: writeCapture(t, 4), Loop: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := bus.Install(peripheral.BusConfig{Mode: peripheral.ModeCapture, SampleRate: audio.CaptureRate, FrameSize: 512}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	buf := make([]byte, 8)
	for i := range 3 {
		if n, _ := bus.Read(buf, time.Millisecond); n != 8 {
			t.Errorf("read %d: n = %d, want 8", i, n)
		}
	}

	silent, _ := filebus.New(filebus.Config{})
	_ = silent.Install(peripheral.BusConfig{Mode: peripheral.ModeCapture, SampleRate: audio.CaptureRate, FrameSize: 512})
	if n, err := silent.Read(buf, time.Millisecond); n != 0 || err != nil {
		t.Errorf("silent read = %d, %v", n, err)
	}
}

func TestBus_RejectsWrongMode(t *testing.T) {
	bus, _ := filebus.New(filebus.Config{})
	if _, err := bus.Write([]byte{1, 2}); err == nil {
		t.Error("Write without install should fail")
	}
	if err := bus.ZeroDMA(); err == nil {
		t.Error("ZeroDMA without install should fail")
	}
}

func TestNew_MissingCaptureFile(t *testing.T) {
	if _, err := filebus.New(filebus.Config{CaptureFile: filepath.Join(t.TempDir(), "nope.wav")}); err == nil {
		t.Error("expected error for missing capture file")
	}
}
