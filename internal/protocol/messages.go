package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the framing for structured messages exchanged with the backend
// over the call channel. Binary frames travel outside the envelope: outbound
// binary is raw s16le mono PCM, inbound binary is synthesized speech.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound message types.
const (
	TypeConfig = "config"
	TypeTTS    = "tts"
	TypePing   = "ping"
)

// Inbound message types.
const (
	TypeTranscript    = "transcript"
	TypeTranslation   = "translation"
	TypeSessionUpdate = "session_update"
	TypeError         = "error"
	TypePong          = "pong"
)

// ConfigPayload is the negotiated session configuration. Fields left empty are
// omitted so a partial push never clobbers backend state.
type ConfigPayload struct {
	Role           string `json:"role,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
	Username       string `json:"username,omitempty"`
}

// TTSPayload requests speech synthesis for translated text.
type TTSPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// TranscriptPayload carries a recognized utterance in its source language.
type TranscriptPayload struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsFinal        bool      `json:"isFinal"`
	SourceLanguage string    `json:"sourceLanguage"`
}

// TranslationPayload carries the translation for an earlier transcript id.
type TranslationPayload struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	SourceLanguage string    `json:"sourceLanguage"`
	TargetLanguage string    `json:"targetLanguage"`
}

// SessionUpdatePayload carries backend-pushed session metadata.
type SessionUpdatePayload struct {
	SessionID    string `json:"sessionId"`
	Participants int    `json:"participants"`
	Status       string `json:"status"`
}

// ErrorPayload is a structured backend error report.
type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Marshal wraps a payload in an Envelope of the given type.
func Marshal(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}
