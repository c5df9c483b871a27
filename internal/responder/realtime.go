package responder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pttlink/internal/transport/realtime"
	"github.com/MrWong99/pttlink/pkg/audio"
)

var _ Responder = (*Realtime)(nil)

// RealtimeRate is the pcm16 sample rate of the realtime API in both
// directions.
const RealtimeRate = 24000

const (
	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-4o-realtime-preview"

	// appendChunk is the PCM size of one input_audio_buffer.append event.
	appendChunk = 32 * 1024

	realtimeReadLimit = 4 << 20
)

// RealtimeConfig configures a [Realtime] bridge.
type RealtimeConfig struct {
	URL          string
	Model        string
	APIKey       string
	Voice        string
	Instructions string

	// Timeout bounds a whole turn. Default: 60s.
	Timeout time.Duration
}

// Realtime answers each utterance over a fresh realtime API session: the
// audio is appended and committed, and the response audio deltas are
// collected until response.done.
type Realtime struct {
	cfg RealtimeConfig
	log *slog.Logger
}

// NewRealtime returns a Realtime bridge.
func NewRealtime(cfg RealtimeConfig, log *slog.Logger) (*Realtime, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("responder: realtime: api key must not be empty")
	}
	if cfg.URL == "" {
		cfg.URL = defaultRealtimeURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultRealtimeModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Realtime{cfg: cfg, log: log}, nil
}

func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("responder: realtime: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Respond implements [Responder]. The reply is at [RealtimeRate].
func (r *Realtime) Respond(ctx context.Context, pcm []byte, rate int) (Reply, error) {
	if len(pcm) == 0 {
		return Reply{}, ErrEmptyUtterance
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	endpoint, err := r.endpoint()
	if err != nil {
		return Reply{}, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("responder: realtime: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(realtimeReadLimit)

	if err := r.sendTurn(ctx, conn, audio.ResampleMono16(pcm, rate, RealtimeRate)); err != nil {
		return Reply{}, err
	}
	reply, err := r.collect(ctx, conn)
	if err != nil {
		return Reply{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "turn complete")
	return reply, nil
}

func (r *Realtime) sendTurn(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	if err := writeJSON(ctx, conn, realtime.NewSessionUpdate(r.cfg.Voice, r.cfg.Instructions)); err != nil {
		return fmt.Errorf("responder: realtime: session update: %w", err)
	}
	for off := 0; off < len(pcm); off += appendChunk {
		end := min(off+appendChunk, len(pcm))
		ev := realtime.AppendAudio{
			Type:  realtime.TypeAppend,
			Audio: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := writeJSON(ctx, conn, ev); err != nil {
			return fmt.Errorf("responder: realtime: append: %w", err)
		}
	}
	for _, typ := range []string{realtime.TypeCommit, realtime.TypeResponse} {
		if err := writeJSON(ctx, conn, realtime.Control{Type: typ}); err != nil {
			return fmt.Errorf("responder: realtime: %s: %w", typ, err)
		}
	}
	return nil
}

func (r *Realtime) collect(ctx context.Context, conn *websocket.Conn) (Reply, error) {
	var (
		pcm        []byte
		transcript strings.Builder
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return Reply{}, fmt.Errorf("responder: realtime: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev realtime.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			r.log.Debug("realtime: malformed event", "err", err)
			continue
		}

		switch ev.Type {
		case realtime.TypeAudioDelta:
			chunk, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				r.log.Debug("realtime: bad audio delta", "err", err)
				continue
			}
			pcm = append(pcm, chunk...)
		case realtime.TypeTranscriptDone:
			transcript.WriteString(ev.Transcript)
		case realtime.TypeError:
			if ev.Error == nil {
				return Reply{}, errors.New("responder: realtime: server error")
			}
			return Reply{}, fmt.Errorf("responder: realtime: server error %s: %s", ev.Error.Type, ev.Error.Message)
		case realtime.TypeResponseDone:
			if len(pcm) == 0 {
				return Reply{}, fmt.Errorf("responder: realtime: %w", ErrEmptyReply)
			}
			return Reply{
				PCM:       pcm,
				Rate:      RealtimeRate,
				Text:      transcript.String(),
				Responder: "realtime",
			}, nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
