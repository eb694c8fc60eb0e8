package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartRequest    MessageType = "start_request"
	TypeStopRequest     MessageType = "stop_request"
	TypeStopRecognition MessageType = "stop_recognition"
	TypeMessage         MessageType = "message"
	TypeMessageResponse MessageType = "message_response"
	TypeInsightResponse MessageType = "insight_response"
	TypeMemberResponse  MessageType = "member_response"
	TypeError           MessageType = "error"
)

// Participant modes negotiated in-band or via query param.
const (
	ModeSpeaker  = "speaker"
	ModeListener = "listener"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrMissingType       = errors.New("'type' must be provided in the payload")
	ErrSampleRateMissing = errors.New("sampleRateHertz must be provided for mode 'speaker'")
	ErrSampleRateInvalid = errors.New("sampleRateHertz must be a valid number")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Speaker identifies the participant producing audio.
type Speaker struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// StartConfig carries the recognition settings from a start_request.
// SampleRateHertz is decoded loosely so the router can distinguish an
// absent field from a non-numeric one.
type StartConfig struct {
	SampleRateHertz     any     `json:"sampleRateHertz,omitempty"`
	LanguageCode        string  `json:"languageCode,omitempty"`
	ConfidenceThreshold float64 `json:"confidenceThreshold,omitempty"`
	TimezoneOffset      int     `json:"timezoneOffset,omitempty"`
	Mode                string  `json:"mode,omitempty"`
}

// SampleRate validates and extracts the numeric sample rate.
func (c *StartConfig) SampleRate() (int, error) {
	if c == nil || c.SampleRateHertz == nil {
		return 0, ErrSampleRateMissing
	}
	switch v := c.SampleRateHertz.(type) {
	case float64:
		if v <= 0 {
			return 0, ErrSampleRateInvalid
		}
		return int(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil || f <= 0 {
			return 0, ErrSampleRateInvalid
		}
		return int(f), nil
	default:
		return 0, ErrSampleRateInvalid
	}
}

type StartRequest struct {
	Type         MessageType  `json:"type"`
	InsightTypes []string     `json:"insightTypes,omitempty"`
	Config       *StartConfig `json:"config,omitempty"`
	Speaker      *Speaker     `json:"speaker,omitempty"`
}

// Mode returns the in-band mode hint, empty when absent or unrecognized.
func (r StartRequest) Mode() string {
	if r.Config == nil {
		return ""
	}
	switch r.Config.Mode {
	case ModeSpeaker, ModeListener:
		return r.Config.Mode
	}
	return ""
}

type StopRequest struct {
	Type   MessageType  `json:"type"`
	Config *StartConfig `json:"config,omitempty"`
}

// Mode returns the in-band mode carried on a stop_request, used for the
// speaker-to-listener downgrade. Empty when absent or unrecognized.
func (r StopRequest) Mode() string {
	if r.Config == nil {
		return ""
	}
	switch r.Config.Mode {
	case ModeSpeaker, ModeListener:
		return r.Config.Mode
	}
	return ""
}

// ParseControlFrame decodes an inbound text frame into a tagged variant:
// StartRequest or StopRequest (stop_recognition included).
func ParseControlFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid control frame: %w", err)
	}

	switch MessageType(strings.ToLower(string(env.Type))) {
	case TypeStartRequest:
		var msg StartRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid start_request: %w", err)
		}
		msg.Type = TypeStartRequest
		return msg, nil
	case TypeStopRequest, TypeStopRecognition:
		var msg StopRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid stop_request: %w", err)
		}
		msg.Type = TypeStopRequest
		return msg, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

// EventMessage is the nested envelope used for recognition lifecycle
// notifications ({"type":"message","message":{...}}).
type EventMessage struct {
	Type    MessageType `json:"type"`
	Message InnerEvent  `json:"message"`
}

type InnerEvent struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// RecognitionStarted builds the room notification sent once a speaker's
// backend session is live, or echoed to late-joining listeners.
func RecognitionStarted(conversationID string) EventMessage {
	return EventMessage{
		Type: TypeMessage,
		Message: InnerEvent{
			Type: "recognition_started",
			Data: EventData{ConversationID: conversationID},
		},
	}
}

// ConversationCompleted builds the room notification sent after the
// speaker stops recognition.
func ConversationCompleted(conversationID string) EventMessage {
	return EventMessage{
		Type: TypeMessage,
		Message: InnerEvent{
			Type: "conversation_completed",
			Data: EventData{ConversationID: conversationID},
		},
	}
}

// Members counts room participants by role.
type Members struct {
	Listeners int `json:"listeners"`
	Speakers  int `json:"speakers"`
}

type MemberResponse struct {
	Type    MessageType `json:"type"`
	Members Members     `json:"members"`
}

func NewMemberResponse(listeners, speakers int) MemberResponse {
	return MemberResponse{
		Type:    TypeMemberResponse,
		Members: Members{Listeners: listeners, Speakers: speakers},
	}
}

// ErrorFrame is sent only to the socket that caused the failure.
type ErrorFrame struct {
	Type    MessageType `json:"type"`
	Details string      `json:"details"`
	Message string      `json:"message"`
}

// NewErrorFrame wraps an error for delivery to the offending socket.
func NewErrorFrame(err error, message string) ErrorFrame {
	details := "No additional details available."
	if err != nil && err.Error() != "" {
		details = err.Error()
	}
	if message == "" {
		message = "Unhandled error occurred."
	}
	return ErrorFrame{Type: TypeError, Details: details, Message: message}
}
