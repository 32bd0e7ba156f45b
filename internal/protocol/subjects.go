package protocol

import "time"

// Bus subjects for intra-process events. Per-subject delivery order matches
// emission order, which consumers rely on when folding state.
const (
	SubjectAudioFrame     = "verbyflow.audio.frame"
	SubjectAudioLevel     = "verbyflow.audio.level"
	SubjectTTSAudio       = "verbyflow.audio.tts"
	SubjectTransportState = "verbyflow.transport.status"
	SubjectTransportError = "verbyflow.transport.error"
	SubjectInbound        = "verbyflow.transport.inbound" // suffixed with the envelope type
	SubjectState          = "verbyflow.conversation.state"
	SubjectRole           = "verbyflow.conversation.role"
	SubjectTranscript     = "verbyflow.conversation.transcript"
	SubjectTranslation    = "verbyflow.conversation.translation"
	SubjectSessionUpdate  = "verbyflow.session.updated"
)

// AudioLevel is the loudness measurement published on each sampling tick.
type AudioLevel struct {
	Instant float64 `json:"instant"`
	Slow    float64 `json:"slow"`
	Clip    bool    `json:"clip"`
}

// TransportStatus reports a transport state transition.
type TransportStatus struct {
	State     string    `json:"state"`
	SessionID string    `json:"sessionId,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransportError is a typed, locally absorbed send or decode failure.
type TransportError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Transport error codes.
const (
	ErrCodeAudioSend      = "audio_send_error"
	ErrCodeConfigSend     = "config_send_error"
	ErrCodeTTSRequest     = "tts_request_error"
	ErrCodeWebsocket      = "websocket_error"
	ErrCodeConnectionFail = "connection_failed"
	ErrCodeDecode         = "message_decode_error"
)
