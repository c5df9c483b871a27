// Package audio defines the PCM contract shared by every relay leg: signed
// 16-bit little-endian samples, mono, at a per-leg sample rate.
//
// Capture runs at [CaptureRate]. Playback runs at [PlaybackRate], or
// [RealtimePlaybackRate] when the remote peer is a realtime speech API. The
// device never resamples; [ResampleMono16] exists for the companion relay,
// which adapts synthesized replies to the device's playback rate.
package audio

import (
	"fmt"
	"time"
)

const (
	// BytesPerSample is the width of one PCM sample (16-bit signed).
	BytesPerSample = 2

	// CaptureRate is the microphone sample rate in Hz.
	CaptureRate = 16000

	// PlaybackRate is the speaker sample rate in Hz for the BLE and
	// WebSocket variants.
	PlaybackRate = 22050

	// RealtimePlaybackRate is the speaker sample rate in Hz when replies come
	// straight from a realtime speech API.
	RealtimePlaybackRate = 24000

	// SamplesPerChunk is the number of samples read from the microphone per
	// capture step.
	SamplesPerChunk = 512

	// ChunkBytes is the byte size of one capture chunk.
	ChunkBytes = SamplesPerChunk * BytesPerSample
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel [Format] at rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// FrameBytes returns the size of one sample frame across all channels.
func (f Format) FrameBytes() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return ch * BytesPerSample
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// Duration reports how long n bytes of PCM take to play.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of bytes covering d, rounded down to a whole
// sample frame.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%f.FrameBytes()
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

func formatString(sampleRate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", sampleRate, ch)
}
