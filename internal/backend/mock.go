package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is a local fallback backend used when Symbl credentials are
// not configured. It fabricates deterministic recognition events so the
// relay can be exercised end to end without network access.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ SessionConfig) (Session, <-chan Event, error) {
	events := make(chan Event, 64)
	s := &mockSession{
		conversationID: "mock-" + uuid.NewString(),
		events:         events,
	}
	return s, events, nil
}

type mockSession struct {
	conversationID string

	mu     sync.Mutex
	events chan Event
	chunks int
	closed bool
	result json.RawMessage
}

func (s *mockSession) ConversationID() string { return s.conversationID }

func (s *mockSession) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(chunk) == 0 {
		return nil
	}
	s.chunks++
	payload, _ := json.Marshal(map[string]any{
		"type": "message",
		"message": map[string]any{
			"type": "recognition_result",
			"payload": map[string]any{
				"content": fmt.Sprintf("simulated transcript %d", s.chunks),
			},
			"isFinal": s.chunks%8 == 0,
		},
	})
	s.events <- Event{Kind: EventSpeechDetected, Payload: payload}

	if s.chunks%8 == 0 {
		messages, _ := json.Marshal(map[string]any{
			"type": "message_response",
			"messages": []map[string]any{
				{"payload": map[string]any{"content": fmt.Sprintf("simulated transcript %d", s.chunks)}},
			},
		})
		s.events <- Event{Kind: EventMessageResponse, Payload: messages}
	}
	return nil
}

func (s *mockSession) Close(_ context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.result, nil
	}
	s.closed = true
	s.result, _ = json.Marshal(map[string]any{
		"type": "conversation_completed",
		"data": map[string]any{"conversationId": s.conversationID},
	})
	close(s.events)
	return s.result, nil
}
