package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/relaycast/internal/config"
	"github.com/antoniostano/relaycast/internal/observability"
	"github.com/antoniostano/relaycast/internal/protocol"
	"github.com/antoniostano/relaycast/internal/registry"
	"github.com/antoniostano/relaycast/internal/relay"
)

type Server struct {
	cfg      config.Config
	registry *registry.Registry
	relay    *relay.Router
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, reg *registry.Registry, router *relay.Router, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		relay:    router,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin, so other sites cannot attach to a
				// conversation through a visitor's browser.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/conversations/{conversationID}/members", s.handleMembers)
	r.Get("/v1/participant/{conversationID}", s.handleParticipantWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"backend_provider": s.cfg.BackendProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ready",
		"active_conversations": s.registry.ConversationCount(),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	listeners, speakers, ok := s.registry.MemberCounts(conversationID)
	if !ok {
		respondError(w, http.StatusNotFound, "conversation_not_found", "no participants attached to this conversation")
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewMemberResponse(listeners, speakers))
}

func (s *Server) handleParticipantWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "conversation id is required in the path")
		return
	}
	mode := modeFromQuery(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ParticipantEvents.WithLabelValues("ws_upgrade_failed").Inc()
		return
	}
	conn.SetReadLimit(s.cfg.MaxAudioFrameBytes)

	// Blocks until the participant disconnects; the relay owns cleanup.
	s.relay.HandleConnection(r.Context(), conversationID, mode, conn)
}

// modeFromQuery extracts the optional role hint; anything other than
// listener or speaker is treated as absent.
func modeFromQuery(r *http.Request) string {
	switch mode := r.URL.Query().Get("mode"); mode {
	case protocol.ModeListener, protocol.ModeSpeaker:
		return mode
	default:
		return ""
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
