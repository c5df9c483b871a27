package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// sampleScale maps int16 PCM onto beep's [-1, 1] float range.
const sampleScale = 1<<15 - 1

// pcmStreamer exposes mono PCM bytes as a [beep.Streamer].
type pcmStreamer struct {
	pcm []byte
	pos int
}

var _ beep.Streamer = (*pcmStreamer)(nil)

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) && s.pos+1 < len(s.pcm) {
		v := float64(sampleAt(s.pcm, s.pos/BytesPerSample)) / sampleScale
		samples[n] = [2]float64{v, v}
		s.pos += BytesPerSample
		n++
	}
	return n, n > 0
}

func (s *pcmStreamer) Err() error { return nil }

// EncodeWAV writes pcm as a 16-bit mono WAV file at rate.
func EncodeWAV(w io.WriteSeeker, pcm []byte, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("audio: invalid wav sample rate %d", rate)
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(rate),
		NumChannels: 1,
		Precision:   BytesPerSample,
	}
	if err := wav.Encode(w, &pcmStreamer{pcm: pcm}, format); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	return nil
}

// WAVBytes renders pcm as an in-memory WAV file.
func WAVBytes(pcm []byte, rate int) ([]byte, error) {
	var buf WriteBuffer
	if err := EncodeWAV(&buf, pcm, rate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes pcm to path as a 16-bit mono WAV file.
func WriteWAVFile(path string, pcm []byte, rate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return EncodeWAV(f, pcm, rate)
}

// DecodeWAV reads a WAV stream and returns its audio as mono 16-bit PCM
// together with the stream's sample rate. Stereo input is averaged.
func DecodeWAV(r io.Reader) ([]byte, int, error) {
	s, format, err := wav.Decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	defer s.Close()

	var (
		out []byte
		buf = make([][2]float64, 512)
	)
	for {
		n, ok := s.Stream(buf)
		for _, smp := range buf[:n] {
			v := (smp[0] + smp[1]) / 2
			if format.NumChannels == 1 {
				v = smp[0]
			}
			out = appendSample(out, v)
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	return out, int(format.SampleRate), nil
}

// ReadWAVFile decodes the WAV file at path. See [DecodeWAV].
func ReadWAVFile(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

func appendSample(dst []byte, v float64) []byte {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	s := int16(math.Round(v * sampleScale))
	return append(dst, byte(s), byte(uint16(s)>>8))
}

// WriteBuffer is an in-memory [io.WriteSeeker], used to render WAV files
// whose header is patched after the samples are written.
type WriteBuffer struct {
	buf []byte
	pos int
}

var _ io.WriteSeeker = (*WriteBuffer)(nil)

// Write implements [io.Writer].
func (b *WriteBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

// Seek implements [io.Seeker].
func (b *WriteBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, errors.New("audio: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	b.pos = int(next)
	return next, nil
}

// Bytes returns the buffer contents.
func (b *WriteBuffer) Bytes() []byte { return b.buf }
