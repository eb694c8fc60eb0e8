package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newFakeSymblServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/token:generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Type      string `json:"type"`
			AppID     string `json:"appId"`
			AppSecret string `json:"appSecret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AppID == "" || body.AppSecret == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "test-token", "expiresIn": 3600})
	})

	mux.HandleFunc("/v1/streaming/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if mt == websocket.BinaryMessage {
					_ = conn.WriteJSON(map[string]any{
						"type": "message",
						"message": map[string]any{
							"type":    "recognition_result",
							"payload": map[string]any{"content": "hello world"},
							"isFinal": true,
						},
					})
					_ = conn.WriteJSON(map[string]any{
						"type":     "message_response",
						"messages": []any{map[string]any{"payload": map[string]any{"content": "hello world"}}},
					})
					continue
				}
				var req map[string]any
				if err := json.Unmarshal(data, &req); err != nil {
					continue
				}
				switch req["type"] {
				case "start_request":
					cfg, _ := req["config"].(map[string]any)
					speech, _ := cfg["speechRecognition"].(map[string]any)
					if speech == nil || speech["sampleRateHertz"] == nil {
						_ = conn.WriteJSON(map[string]any{"type": "error", "details": "missing sampleRateHertz"})
						continue
					}
					_ = conn.WriteJSON(map[string]any{
						"type": "message",
						"message": map[string]any{
							"type": "recognition_started",
							"data": map[string]any{"conversationId": "conv-xyz"},
						},
					})
				case "stop_request":
					_ = conn.WriteJSON(map[string]any{
						"type": "message",
						"message": map[string]any{
							"type": "conversation_completed",
							"data": map[string]any{"conversationId": "conv-xyz"},
						},
					})
				}
			}
		}()
	})

	return httptest.NewServer(mux)
}

func TestSymblSessionLifecycle(t *testing.T) {
	ts := newFakeSymblServer(t)
	defer ts.Close()

	p := NewSymblProvider(SymblConfig{AppID: "app", AppSecret: "secret", BasePath: ts.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, events, err := p.StartSession(ctx, SessionConfig{
		ConversationID:      "abc",
		SampleRateHertz:     16000,
		LanguageCode:        "en-US",
		ConfidenceThreshold: 0.5,
		InsightTypes:        []string{"action_item"},
		Speaker:             &Speaker{UserID: "john@example.com", Name: "John"},
	})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess.ConversationID() != "conv-xyz" {
		t.Fatalf("ConversationID() = %q, want conv-xyz", sess.ConversationID())
	}

	if err := sess.SendAudio(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	sawSpeech, sawMessages := false, false
	deadline := time.After(5 * time.Second)
	for !(sawSpeech && sawMessages) {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before both event kinds arrived")
			}
			switch ev.Kind {
			case EventSpeechDetected:
				sawSpeech = true
			case EventMessageResponse:
				sawMessages = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for backend events (speech=%v messages=%v)", sawSpeech, sawMessages)
		}
	}

	final, err := sess.Close(ctx)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !bytes.Contains(final, []byte("conversation_completed")) {
		t.Fatalf("final data = %s, want conversation_completed document", final)
	}

	// Idempotent: a second close returns the same result.
	again, err := sess.Close(ctx)
	if err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !bytes.Equal(final, again) {
		t.Fatalf("second Close() returned different data: %s vs %s", final, again)
	}

	// The event channel drains and closes after the session ends.
	for {
		if _, ok := <-events; !ok {
			break
		}
	}
}

func TestSymblStartSessionAuthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := NewSymblProvider(SymblConfig{AppID: "app", AppSecret: "bad", BasePath: ts.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := p.StartSession(ctx, SessionConfig{ConversationID: "abc", SampleRateHertz: 16000}); err == nil {
		t.Fatalf("StartSession() should fail when the token exchange fails")
	}
}

func TestStartRequestPayloadMapping(t *testing.T) {
	payload := startRequestPayload(SessionConfig{
		ConversationID:      "abc",
		SampleRateHertz:     48000,
		LanguageCode:        "en-US",
		ConfidenceThreshold: 0.7,
		TimezoneOffset:      480,
		InsightTypes:        []string{"question"},
		Speaker:             &Speaker{UserID: "u", Name: "N"},
	})
	if payload["type"] != "start_request" {
		t.Fatalf("type = %v", payload["type"])
	}
	cfg := payload["config"].(map[string]any)
	speech := cfg["speechRecognition"].(map[string]any)
	if speech["sampleRateHertz"] != 48000 {
		t.Fatalf("sampleRateHertz = %v, want 48000", speech["sampleRateHertz"])
	}
	if cfg["confidenceThreshold"] != 0.7 || cfg["timezoneOffset"] != 480 {
		t.Fatalf("config mapping wrong: %v", cfg)
	}
	if payload["speaker"] == nil {
		t.Fatalf("speaker should be forwarded")
	}

	// No speaker key at all when identity is absent.
	payload = startRequestPayload(SessionConfig{ConversationID: "abc", SampleRateHertz: 16000})
	if _, ok := payload["speaker"]; ok {
		t.Fatalf("speaker key should be omitted when unset")
	}
}

func TestMockSessionCloseIdempotent(t *testing.T) {
	p := NewMockProvider()
	sess, events, err := p.StartSession(context.Background(), SessionConfig{ConversationID: "abc", SampleRateHertz: 16000})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess.ConversationID() == "" {
		t.Fatalf("mock session must issue a conversation id")
	}

	if err := sess.SendAudio(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != EventSpeechDetected {
			t.Fatalf("first event kind = %q, want %q", ev.Kind, EventSpeechDetected)
		}
	case <-time.After(time.Second):
		t.Fatalf("mock session emitted no event for an audio chunk")
	}

	first, err := sess.Close(context.Background())
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	second, err := sess.Close(context.Background())
	if err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("close results differ: %s vs %s", first, second)
	}

	// Audio after close is dropped, not an error.
	if err := sess.SendAudio(context.Background(), []byte{9}); err != nil {
		t.Fatalf("SendAudio() after close error = %v", err)
	}
}
