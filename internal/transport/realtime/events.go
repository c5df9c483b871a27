package realtime

// Client event types.
const (
	TypeSessionUpdate = "session.update"
	TypeAppend        = "input_audio_buffer.append"
	TypeCommit        = "input_audio_buffer.commit"
	TypeClear         = "input_audio_buffer.clear"
	TypeResponse      = "response.create"
)

// Server event types.
const (
	TypeAudioDelta      = "response.audio.delta"
	TypeTranscriptDone  = "response.audio_transcript.done"
	TypeResponseDone    = "response.done"
	TypeError           = "error"
	TypeSessionCreated  = "session.created"
	TypeSpeechStarted   = "input_audio_buffer.speech_started"
	TypeBufferCommitted = "input_audio_buffer.committed"
)

// PCM16 is the audio format name for raw 16-bit little-endian mono PCM.
const PCM16 = "pcm16"

// SessionUpdate configures the remote session.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams are the fields of a session.update the device sets.
type SessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection"`
}

// TurnDetection configures server-side voice activity detection. A nil
// value disables it, so only commit events end a turn.
type TurnDetection struct {
	Type string `json:"type"`
}

// AppendAudio carries one base64 PCM chunk.
type AppendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Control is an event with no fields beyond its type.
type Control struct {
	Type string `json:"type"`
}

// ServerEvent is the union of the server events the device reads.
type ServerEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the nested object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewSessionUpdate returns a pcm16-in, pcm16-out session.update with server
// turn detection disabled.
func NewSessionUpdate(voice, instructions string) SessionUpdate {
	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionParams{
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  PCM16,
			OutputAudioFormat: PCM16,
		},
	}
}
