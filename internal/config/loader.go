package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pttlink/internal/ptt"
	"github.com/MrWong99/pttlink/internal/responder"
)

// KnownResponders lists the responder names [Validate] accepts.
var KnownResponders = []string{ResponderEcho, ResponderCascade, ResponderRealtime}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to it, if present, is loaded into the process
// environment first; variables already set win.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads path into the environment. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %q: %w", path, err)
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("server.mqtt.qos %d is out of range [0, 2]", cfg.Server.MQTT.QoS))
	}

	// Device
	if !cfg.Device.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("device.transport %q is invalid; valid values: rawws, websocket, realtime, ble, mqtt", cfg.Device.Transport))
	}
	if !cfg.Device.PTT.IsValid() {
		errs = append(errs, fmt.Errorf("device.ptt %q is invalid; valid values: keyboard, script, none", cfg.Device.PTT))
	}
	if cfg.Device.PTT == PTTScript {
		if _, err := ptt.ParseScript(cfg.Device.Script); err != nil {
			errs = append(errs, fmt.Errorf("device.script: %w", err))
		}
	}

	// Audio
	a := cfg.Audio
	for _, f := range []struct {
		name  string
		value int
	}{
		{"capture_rate", a.CaptureRate},
		{"playback_rate", a.PlaybackRate},
		{"samples_per_chunk", a.SamplesPerChunk},
		{"buffer_capacity", a.BufferCapacity},
		{"playback_slice", a.PlaybackSlice},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("audio.%s must be positive, got %d", f.name, f.value))
		}
	}
	if a.BufferCapacity > 0 && a.SamplesPerChunk > 0 && a.BufferCapacity < 2*a.SamplesPerChunk {
		errs = append(errs, fmt.Errorf("audio.buffer_capacity %d is smaller than one chunk (%d bytes)", a.BufferCapacity, 2*a.SamplesPerChunk))
	}
	if a.PlaybackSlice%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.playback_slice %d must be a whole number of samples", a.PlaybackSlice))
	}
	if a.ReadTimeout < 0 || a.SettleDelay < 0 || a.RetryDelay < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}

	// Selected transport
	t := cfg.Transports
	switch cfg.Device.Transport {
	case TransportRawWS:
		if t.RawWS.Host == "" {
			errs = append(errs, errors.New("transports.rawws.host is required when device.transport is rawws"))
		}
		if t.RawWS.Port <= 0 || t.RawWS.Port > 65535 {
			errs = append(errs, fmt.Errorf("transports.rawws.port %d is out of range", t.RawWS.Port))
		}
	case TransportWebSocket:
		if t.WebSocket.URL == "" {
			errs = append(errs, errors.New("transports.websocket.url is required when device.transport is websocket"))
		}
	case TransportRealtime:
		if t.Realtime.APIKey == "" {
			errs = append(errs, errors.New("transports.realtime.api_key is required when device.transport is realtime"))
		}
	case TransportMQTT:
		if t.MQTT.Broker == "" {
			errs = append(errs, errors.New("transports.mqtt.broker is required when device.transport is mqtt"))
		}
		if t.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("transports.mqtt.qos %d is out of range [0, 2]", t.MQTT.QoS))
		}
		if t.MQTT.MaxPayload < 0 {
			errs = append(errs, errors.New("transports.mqtt.max_payload must not be negative"))
		}
	}

	// Responder
	r := cfg.Responder
	if !slices.Contains(KnownResponders, r.Name) {
		errs = append(errs, fmt.Errorf("responder.name %q is invalid; valid values: %v", r.Name, KnownResponders))
	}
	if r.Fallback != "" {
		if !slices.Contains(KnownResponders, r.Fallback) {
			errs = append(errs, fmt.Errorf("responder.fallback %q is invalid; valid values: %v", r.Fallback, KnownResponders))
		}
		if r.Fallback == r.Name {
			errs = append(errs, fmt.Errorf("responder.fallback %q duplicates responder.name", r.Fallback))
		}
	}
	for _, name := range []string{r.Name, r.Fallback} {
		if (name == ResponderCascade || name == ResponderRealtime) && r.APIKey == "" {
			errs = append(errs, fmt.Errorf("responder %q requires responder.api_key", name))
			break
		}
	}
	if r.LLMProvider != "" && !slices.Contains(responder.AnyLLMProviders, strings.ToLower(r.LLMProvider)) {
		errs = append(errs, fmt.Errorf("responder.llm_provider %q is invalid; valid values: %v", r.LLMProvider, responder.AnyLLMProviders))
	}
	if r.LLMProvider != "" && r.LLMModel == "" {
		errs = append(errs, errors.New("responder.llm_model is required with responder.llm_provider"))
	}
	if r.ReplyChunk <= 0 || r.ReplyChunk%2 != 0 {
		errs = append(errs, fmt.Errorf("responder.reply_chunk %d must be a positive whole number of samples", r.ReplyChunk))
	}
	if r.MinUtterance < 0 || r.ReplyPacing < 0 {
		errs = append(errs, errors.New("responder durations must not be negative"))
	}

	return errors.Join(errs...)
}
