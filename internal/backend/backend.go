package backend

import (
	"context"
	"encoding/json"
)

// EventKind distinguishes the asynchronous payloads a recognition session
// emits while streaming.
type EventKind string

const (
	EventSpeechDetected  EventKind = "speech_detected"
	EventMessageResponse EventKind = "message_response"
	EventInsightResponse EventKind = "insight_response"
)

// Event is one asynchronous payload from the speech backend. Payload is
// the backend's own wire document and is relayed to participants verbatim.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// Speaker identifies the audio producer for a session.
type Speaker struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// SessionConfig carries everything needed to open a recognition session.
type SessionConfig struct {
	// ConversationID is the relay-side conversation id, handed to the
	// backend so reconnecting speakers resume the same conversation.
	ConversationID      string
	SampleRateHertz     int
	LanguageCode        string
	ConfidenceThreshold float64
	TimezoneOffset      int
	InsightTypes        []string
	Speaker             *Speaker
}

// Session is one live recognition stream.
//
// SendAudio is fire-and-forget; there is no flow-control contract with the
// backend. Close is idempotent: closing a session twice, or one that never
// opened, returns (nil, nil).
type Session interface {
	// ConversationID returns the backend-issued conversation identifier.
	ConversationID() string
	SendAudio(ctx context.Context, chunk []byte) error
	// Close stops the session and returns the backend's final
	// conversation data, or nil if none was produced.
	Close(ctx context.Context) (json.RawMessage, error)
}

// Provider opens recognition sessions against a speech backend. The event
// channel is closed once the session ends; ordering between event kinds is
// not guaranteed.
type Provider interface {
	StartSession(ctx context.Context, cfg SessionConfig) (Session, <-chan Event, error)
}
