// Package config provides the configuration schema, loader, watcher and
// component registry for pttlink.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to an [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Transport names a device transport.
type Transport string

const (
	TransportRawWS     Transport = "rawws"
	TransportWebSocket Transport = "websocket"
	TransportRealtime  Transport = "realtime"
	TransportBLE       Transport = "ble"
	TransportMQTT      Transport = "mqtt"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportRawWS, TransportWebSocket, TransportRealtime, TransportBLE, TransportMQTT:
		return true
	}
	return false
}

// PTTMode selects the push-to-talk input.
type PTTMode string

const (
	PTTKeyboard PTTMode = "keyboard"
	PTTScript   PTTMode = "script"
	PTTNone     PTTMode = "none"
)

// IsValid reports whether m is a known PTT mode.
func (m PTTMode) IsValid() bool {
	return m == PTTKeyboard || m == PTTScript || m == PTTNone
}

// Responder names. The registry may hold more.
const (
	ResponderEcho     = "echo"
	ResponderCascade  = "cascade"
	ResponderRealtime = "realtime"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Device     DeviceConfig     `yaml:"device"`
	Audio      AudioConfig      `yaml:"audio"`
	Transports TransportsConfig `yaml:"transports"`
	Responder  ResponderConfig  `yaml:"responder"`
}

// ServerConfig holds logging and the relay role's listeners.
type ServerConfig struct {
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the device WebSocket endpoint of the relay role.
	ListenAddr string `yaml:"listen_addr"`

	// Path is the HTTP path devices connect to. Default: "/".
	Path string `yaml:"path"`

	// MetricsAddr serves /metrics, /healthz and /readyz. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// TLS configures TLS for ListenAddr. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MQTT, when its broker is set, also serves devices over MQTT.
	MQTT MQTTBridgeConfig `yaml:"mqtt"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTBridgeConfig is the relay role's broker connection.
type MQTTBridgeConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DeviceConfig selects the device role's transport and PTT input.
type DeviceConfig struct {
	Transport Transport `yaml:"transport"`
	PTT       PTTMode   `yaml:"ptt"`

	// Script is "press:idle", e.g. "2s:3s". Used when PTT is script.
	Script string `yaml:"script"`

	// Tick is the pause between relay loop iterations.
	Tick time.Duration `yaml:"tick"`
}

// AudioConfig holds the device's audio constants and the file-backed bus.
type AudioConfig struct {
	CaptureRate     int           `yaml:"capture_rate"`
	PlaybackRate    int           `yaml:"playback_rate"`
	SamplesPerChunk int           `yaml:"samples_per_chunk"`
	BufferCapacity  int           `yaml:"buffer_capacity"`
	PlaybackSlice   int           `yaml:"playback_slice"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	RetryDelay      time.Duration `yaml:"retry_delay"`

	// CaptureFile is replayed as microphone input. Empty captures silence.
	CaptureFile string `yaml:"capture_file"`

	// LoopCapture restarts CaptureFile when it runs out.
	LoopCapture bool `yaml:"loop_capture"`

	// PlaybackDir receives a WAV file per reply. Empty discards playback.
	PlaybackDir string `yaml:"playback_dir"`
}

// TransportsConfig holds per-transport settings. Only the selected
// transport's block is used.
type TransportsConfig struct {
	RawWS     RawWSConfig     `yaml:"rawws"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	BLE       BLEConfig       `yaml:"ble"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// RawWSConfig configures the minimal-codec WebSocket transport.
type RawWSConfig struct {
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	Path              string            `yaml:"path"`
	TLS               bool              `yaml:"tls"`
	Authorization     string            `yaml:"authorization"`
	Headers           map[string]string `yaml:"headers"`
	ReconnectInterval time.Duration     `yaml:"reconnect_interval"`
	HandshakeTimeout  time.Duration     `yaml:"handshake_timeout"`
}

// WebSocketConfig configures the library-backed WebSocket transport.
type WebSocketConfig struct {
	URL               string            `yaml:"url"`
	Headers           map[string]string `yaml:"headers"`
	ReconnectInterval time.Duration     `yaml:"reconnect_interval"`
}

// RealtimeConfig configures the realtime speech API transport.
type RealtimeConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Path              string        `yaml:"path"`
	TLS               bool          `yaml:"tls"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Voice             string        `yaml:"voice"`
	Instructions      string        `yaml:"instructions"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// BLEConfig configures the GATT peripheral.
type BLEConfig struct {
	DeviceName string `yaml:"device_name"`
}

// MQTTConfig configures the device's MQTT transport.
type MQTTConfig struct {
	Broker            string        `yaml:"broker"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	DeviceID          string        `yaml:"device_id"`
	QoS               byte          `yaml:"qos"`
	MaxPayload        int           `yaml:"max_payload"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// ResponderConfig configures the relay role's reply generation.
type ResponderConfig struct {
	// Name selects the primary responder.
	Name string `yaml:"name"`

	// Fallback is tried when the primary fails. Empty disables it.
	Fallback string `yaml:"fallback"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	STTModel     string `yaml:"stt_model"`
	LLMModel     string `yaml:"llm_model"`
	TTSModel     string `yaml:"tts_model"`
	Voice        string `yaml:"voice"`
	SystemPrompt string `yaml:"system_prompt"`

	// LLMProvider routes the cascade's completion stage through any-llm-go
	// (anthropic, ollama, gemini, ...). Empty keeps OpenAI chat.
	LLMProvider string `yaml:"llm_provider"`
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMBaseURL  string `yaml:"llm_base_url"`

	RealtimeURL   string `yaml:"realtime_url"`
	RealtimeModel string `yaml:"realtime_model"`

	// Timeout bounds one backend call.
	Timeout time.Duration `yaml:"timeout"`

	MinUtterance time.Duration `yaml:"min_utterance"`
	ReplyChunk   int           `yaml:"reply_chunk"`
	ReplyPacing  time.Duration `yaml:"reply_pacing"`

	// SaveDir receives a WAV file per accepted utterance when set.
	SaveDir string `yaml:"save_dir"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8765"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/"
	}

	if c.Device.Transport == "" {
		c.Device.Transport = TransportRawWS
	}
	if c.Device.PTT == "" {
		c.Device.PTT = PTTKeyboard
	}
	if c.Device.Tick <= 0 {
		c.Device.Tick = time.Millisecond
	}

	a := &c.Audio
	if a.CaptureRate == 0 {
		a.CaptureRate = 16000
	}
	if a.PlaybackRate == 0 {
		a.PlaybackRate = 22050
		if c.Device.Transport == TransportRealtime {
			a.PlaybackRate = 24000
		}
	}
	if a.SamplesPerChunk == 0 {
		a.SamplesPerChunk = 512
	}
	if a.BufferCapacity == 0 {
		a.BufferCapacity = 200 * 1024
	}
	if a.PlaybackSlice == 0 {
		a.PlaybackSlice = 2048
	}
	if a.ReadTimeout == 0 {
		a.ReadTimeout = 20 * time.Millisecond
	}
	if a.SettleDelay == 0 {
		a.SettleDelay = 50 * time.Millisecond
	}
	if a.RetryDelay == 0 {
		a.RetryDelay = 100 * time.Millisecond
	}

	t := &c.Transports
	if t.RawWS.Port == 0 {
		t.RawWS.Port = 8765
		if t.RawWS.TLS {
			t.RawWS.Port = 443
		}
	}
	if t.RawWS.Path == "" {
		t.RawWS.Path = "/"
	}
	if t.Realtime.Host == "" {
		t.Realtime.Host = "api.openai.com"
		t.Realtime.TLS = true
	}
	if t.BLE.DeviceName == "" {
		t.BLE.DeviceName = "pttlink"
	}

	r := &c.Responder
	if r.Name == "" {
		r.Name = ResponderEcho
	}
	if r.MinUtterance == 0 {
		r.MinUtterance = time.Second
	}
	if r.ReplyChunk == 0 {
		r.ReplyChunk = 4096
	}
	if r.ReplyPacing == 0 {
		r.ReplyPacing = 10 * time.Millisecond
	}
}
