package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	symblHandshakeTimeout = 15 * time.Second
	symblStopTimeout      = 10 * time.Second
)

type SymblConfig struct {
	AppID     string
	AppSecret string
	BasePath  string
}

// SymblProvider opens realtime recognition sessions against the Symbl
// streaming API. App credentials are exchanged for a short-lived access
// token which is cached until shortly before expiry.
type SymblProvider struct {
	cfg   SymblConfig
	httpc *http.Client

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

func NewSymblProvider(cfg SymblConfig) *SymblProvider {
	if strings.TrimSpace(cfg.BasePath) == "" {
		cfg.BasePath = "https://api.symbl.ai"
	}
	return &SymblProvider{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *SymblProvider) StartSession(ctx context.Context, cfg SessionConfig) (Session, <-chan Event, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("backend auth: %w", err)
	}

	base := strings.TrimRight(p.cfg.BasePath, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u, err := url.Parse(base + "/v1/streaming/" + url.PathEscape(cfg.ConversationID))
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial streaming websocket: %w", err)
	}

	s := &symblSession{
		conn:      conn,
		events:    make(chan Event, 256),
		started:   make(chan string, 1),
		finalData: make(chan json.RawMessage, 1),
		done:      make(chan struct{}),
	}
	go s.readLoop()

	if err := s.writeJSON(startRequestPayload(cfg)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send start_request: %w", err)
	}

	select {
	case id := <-s.started:
		s.conversationID = id
		return s, s.events, nil
	case <-s.done:
		return nil, nil, fmt.Errorf("backend closed the stream before recognition started")
	case <-time.After(symblHandshakeTimeout):
		_ = conn.Close()
		return nil, nil, fmt.Errorf("timed out waiting for recognition_started")
	case <-ctx.Done():
		_ = conn.Close()
		return nil, nil, ctx.Err()
	}
}

func startRequestPayload(cfg SessionConfig) map[string]any {
	payload := map[string]any{
		"type":         "start_request",
		"insightTypes": cfg.InsightTypes,
		"config": map[string]any{
			"confidenceThreshold": cfg.ConfidenceThreshold,
			"timezoneOffset":      cfg.TimezoneOffset,
			"languageCode":        cfg.LanguageCode,
			"speechRecognition": map[string]any{
				"encoding":        "LINEAR16",
				"sampleRateHertz": cfg.SampleRateHertz,
			},
		},
	}
	if cfg.Speaker != nil {
		payload["speaker"] = cfg.Speaker
	}
	return payload
}

func (p *SymblProvider) accessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExp) {
		return p.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"type":      "application",
		"appId":     p.cfg.AppID,
		"appSecret": p.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BasePath, "/")+"/oauth2/token:generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", res.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}

	p.token = parsed.AccessToken
	// Refresh a minute early so in-flight session opens never race expiry.
	p.tokenExp = time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

type symblSession struct {
	conn           *websocket.Conn
	conversationID string

	writeMu sync.Mutex

	events    chan Event
	started   chan string
	finalData chan json.RawMessage
	done      chan struct{}

	closeMu sync.Mutex
	closed  bool
	result  json.RawMessage
}

func (s *symblSession) ConversationID() string { return s.conversationID }

func (s *symblSession) SendAudio(_ context.Context, chunk []byte) error {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		// Fire-and-forget contract: audio racing a close is dropped.
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *symblSession) Close(ctx context.Context) (json.RawMessage, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return s.result, nil
	}
	s.closed = true

	if err := s.writeJSON(map[string]any{"type": "stop_request"}); err == nil {
		select {
		case data := <-s.finalData:
			s.result = data
		case <-s.done:
		case <-time.After(symblStopTimeout):
		case <-ctx.Done():
		}
	}
	_ = s.conn.Close()
	return s.result, nil
}

func (s *symblSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *symblSession) readLoop() {
	defer func() {
		close(s.done)
		close(s.events)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type    string          `json:"type"`
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		payload := json.RawMessage(append([]byte(nil), data...))

		switch frame.Type {
		case "message":
			var inner struct {
				Type string `json:"type"`
				Data struct {
					ConversationID string `json:"conversationId"`
				} `json:"data"`
			}
			if err := json.Unmarshal(frame.Message, &inner); err != nil {
				continue
			}
			switch inner.Type {
			case "recognition_started":
				select {
				case s.started <- inner.Data.ConversationID:
				default:
				}
			case "recognition_result":
				s.events <- Event{Kind: EventSpeechDetected, Payload: payload}
			case "conversation_completed":
				// The final conversation document itself, minus the envelope.
				final := json.RawMessage(append([]byte(nil), frame.Message...))
				select {
				case s.finalData <- final:
				default:
				}
			}
		case "message_response":
			s.events <- Event{Kind: EventMessageResponse, Payload: payload}
		case "insight_response":
			s.events <- Event{Kind: EventInsightResponse, Payload: payload}
		}
	}
}
