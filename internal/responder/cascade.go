package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/pttlink/pkg/audio"
)

var _ Responder = (*Cascade)(nil)

// SpeechRate is the sample rate of the pcm format returned by the speech
// endpoint.
const SpeechRate = 24000

const (
	defaultSTTModel     = "whisper-1"
	defaultLLMModel     = "gpt-4o-mini"
	defaultTTSModel     = "tts-1"
	defaultVoice        = "alloy"
	defaultSystemPrompt = "You are a helpful voice assistant. Answer in one or two short spoken sentences."
)

// CascadeConfig configures a [Cascade].
type CascadeConfig struct {
	APIKey       string
	BaseURL      string
	STTModel     string
	LLMModel     string
	TTSModel     string
	Voice        string
	SystemPrompt string

	// Timeout bounds each HTTP request. Zero leaves it to ctx.
	Timeout time.Duration

	// LLM replaces the OpenAI chat completion stage when set.
	LLM Completer
}

// Cascade answers in three stages: OpenAI transcription, a chat completion
// (OpenAI, or the configured [Completer]) and OpenAI speech synthesis.
type Cascade struct {
	client oai.Client
	cfg    CascadeConfig
	log    *slog.Logger
}

// NewCascade returns a Cascade. Empty model, voice and prompt fields take
// defaults.
func NewCascade(cfg CascadeConfig, log *slog.Logger) (*Cascade, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("responder: cascade: api key must not be empty")
	}
	if cfg.STTModel == "" {
		cfg.STTModel = defaultSTTModel
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultLLMModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = defaultTTSModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if log == nil {
		log = slog.Default()
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &Cascade{client: oai.NewClient(reqOpts...), cfg: cfg, log: log}, nil
}

// Respond implements [Responder]. The reply is at [SpeechRate].
func (c *Cascade) Respond(ctx context.Context, pcm []byte, rate int) (Reply, error) {
	if len(pcm) == 0 {
		return Reply{}, ErrEmptyUtterance
	}

	transcript, err := c.transcribe(ctx, pcm, rate)
	if err != nil {
		return Reply{}, err
	}
	if transcript == "" {
		return Reply{}, fmt.Errorf("responder: cascade: %w: no speech recognised", ErrEmptyReply)
	}
	c.log.Info("cascade: transcribed", "text", transcript)

	text, err := c.complete(ctx, transcript)
	if err != nil {
		return Reply{}, err
	}
	c.log.Info("cascade: reply", "text", text)

	speech, err := c.speak(ctx, text)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		PCM:        speech,
		Rate:       SpeechRate,
		Transcript: transcript,
		Text:       text,
		Responder:  "cascade",
	}, nil
}

func (c *Cascade) transcribe(ctx context.Context, pcm []byte, rate int) (string, error) {
	body, err := audio.WAVBytes(pcm, rate)
	if err != nil {
		return "", fmt.Errorf("responder: cascade: encode wav: %w", err)
	}
	resp, err := c.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(body), "utterance.wav", "audio/wav"),
		Model: oai.AudioModel(c.cfg.STTModel),
	})
	if err != nil {
		return "", fmt.Errorf("responder: cascade: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Cascade) complete(ctx context.Context, transcript string) (string, error) {
	if c.cfg.LLM != nil {
		text, err := c.cfg.LLM.Complete(ctx, c.cfg.SystemPrompt, transcript)
		if err != nil {
			return "", fmt.Errorf("responder: cascade: %w", err)
		}
		if text = strings.TrimSpace(text); text == "" {
			return "", fmt.Errorf("responder: cascade: %w: blank completion", ErrEmptyReply)
		}
		return text, nil
	}

	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.LLMModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(c.cfg.SystemPrompt),
			oai.UserMessage(transcript),
		},
	})
	if err != nil {
		return "", fmt.Errorf("responder: cascade: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("responder: cascade: empty choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("responder: cascade: %w: blank completion", ErrEmptyReply)
	}
	return text, nil
}

func (c *Cascade) speak(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(c.cfg.TTSModel),
		Voice:          oai.AudioSpeechNewParamsVoice(c.cfg.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("responder: cascade: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("responder: cascade: read speech: %w", err)
	}
	if len(pcm) < 2 {
		return nil, fmt.Errorf("responder: cascade: %w: no speech audio", ErrEmptyReply)
	}
	return pcm[:len(pcm)-len(pcm)%2], nil
}
