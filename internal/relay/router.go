package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/relaycast/internal/backend"
	"github.com/antoniostano/relaycast/internal/observability"
	"github.com/antoniostano/relaycast/internal/protocol"
	"github.com/antoniostano/relaycast/internal/registry"
)

const cleanupTimeout = 10 * time.Second

// Socket is the transport handed to the router by the outer server: one
// accepted bidirectional message connection.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Defaults fill in start_request fields the client omitted.
type Defaults struct {
	InsightTypes        []string
	LanguageCode        string
	ConfidenceThreshold float64
}

// Router drives the per-participant protocol state machine: it negotiates
// roles, opens and closes backend sessions for speakers, forwards audio
// and fans backend events out to the conversation's room.
type Router struct {
	registry *registry.Registry
	provider backend.Provider
	metrics  *observability.Metrics
	defaults Defaults
}

func NewRouter(reg *registry.Registry, provider backend.Provider, metrics *observability.Metrics, defaults Defaults) *Router {
	return &Router{
		registry: reg,
		provider: provider,
		metrics:  metrics,
		defaults: defaults,
	}
}

// HandleConnection services one accepted participant socket until it
// closes or errors. modeHint is the optional role from the query string;
// the authoritative role is declared in-band by the first start_request.
// Blocks for the lifetime of the connection.
func (rt *Router) HandleConnection(ctx context.Context, conversationID, modeHint string, sock Socket) {
	conn := &lockedSocket{sock: sock}
	p := rt.registry.Attach(conversationID, conn)

	rt.metrics.ParticipantEvents.WithLabelValues("attached").Inc()
	rt.metrics.ActiveParticipants.Inc()
	rt.metrics.ActiveConversations.Set(float64(rt.registry.ConversationCount()))
	log.Printf("[%s] participant %s attached (mode hint %q)", conversationID, p.RefID, modeHint)

	h := &participantHandler{
		router:         rt,
		participant:    p,
		conn:           conn,
		conversationID: conversationID,
		modeHint:       modeHint,
	}
	defer h.cleanup()

	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.handleAudio(ctx, data)
		case websocket.TextMessage:
			h.handleControl(ctx, data)
		}
	}
}

// participantHandler holds the state owned by a single connection's read
// loop. session and pumpDone are touched only from that goroutine, so the
// per-participant sequencing guarantee needs no extra locking.
type participantHandler struct {
	router         *Router
	participant    *registry.Participant
	conn           *lockedSocket
	conversationID string
	modeHint       string

	session  backend.Session
	pumpDone chan struct{}
	detached bool
}

func (h *participantHandler) handleControl(ctx context.Context, data []byte) {
	parsed, err := protocol.ParseControlFrame(data)
	if err != nil {
		log.Printf("[%s] rejecting control frame from %s: %v", h.conversationID, h.participant.RefID, err)
		h.sendError(err, "Unsupported or malformed control payload.")
		return
	}

	switch msg := parsed.(type) {
	case protocol.StartRequest:
		h.router.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeStartRequest)).Inc()
		h.handleStart(ctx, msg)
	case protocol.StopRequest:
		h.router.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeStopRequest)).Inc()
		h.handleStop(ctx, msg)
	}
}

func (h *participantHandler) handleStart(ctx context.Context, req protocol.StartRequest) {
	if h.participant.Role() != registry.RoleUnspecified {
		h.sendError(nil, "recognition already started for this connection")
		return
	}

	mode := h.modeHint
	if mode == "" {
		mode = req.Mode()
	}
	if mode == "" && req.Config != nil && req.Config.SampleRateHertz != nil {
		// A speaker config without a declared role is ambiguous; make the
		// client say which side of the relay it is on.
		h.sendError(nil, "'mode' must be provided in the payload inside 'config' or as a query param and must take one of the values from [listener, speaker]")
		return
	}

	if mode == protocol.ModeSpeaker {
		h.startSpeaker(ctx, req)
		return
	}
	h.startListener()
}

func (h *participantHandler) startSpeaker(ctx context.Context, req protocol.StartRequest) {
	rate, err := req.Config.SampleRate()
	if err != nil {
		h.sendError(nil, err.Error())
		return
	}

	cfg := backend.SessionConfig{
		ConversationID:      h.conversationID,
		SampleRateHertz:     rate,
		LanguageCode:        h.router.defaults.LanguageCode,
		ConfidenceThreshold: h.router.defaults.ConfidenceThreshold,
		InsightTypes:        h.router.defaults.InsightTypes,
	}
	if req.Config.LanguageCode != "" {
		cfg.LanguageCode = req.Config.LanguageCode
	}
	if req.Config.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = req.Config.ConfidenceThreshold
	}
	cfg.TimezoneOffset = req.Config.TimezoneOffset
	if len(req.InsightTypes) > 0 {
		cfg.InsightTypes = req.InsightTypes
	}
	if req.Speaker != nil {
		cfg.Speaker = &backend.Speaker{UserID: req.Speaker.UserID, Name: req.Speaker.Name}
	}

	sess, events, err := h.router.provider.StartSession(ctx, cfg)
	if err != nil {
		log.Printf("[%s] backend session open failed for %s: %v", h.conversationID, h.participant.RefID, err)
		h.router.metrics.BackendErrors.WithLabelValues("open").Inc()
		h.sendError(err, "Error while establishing connection with backend")
		return
	}

	h.session = sess
	h.pumpDone = make(chan struct{})
	h.participant.SetRole(registry.RoleSpeaker)
	if req.Speaker != nil {
		h.participant.SetSpeakerIdentity(req.Speaker.UserID, req.Speaker.Name)
	}
	h.router.registry.SetBackendConversationID(h.conversationID, sess.ConversationID())
	go h.pump(events)

	log.Printf("[%s] recognition started by %s, backend conversation %s", h.conversationID, h.participant.RefID, sess.ConversationID())
	h.broadcast(protocol.RecognitionStarted(sess.ConversationID()), string(protocol.TypeMessage))
	h.broadcastMembers()
}

func (h *participantHandler) startListener() {
	h.participant.SetRole(registry.RoleListener)
	h.broadcast(protocol.RecognitionStarted(h.router.registry.BackendConversationID(h.conversationID)), string(protocol.TypeMessage))
	h.broadcastMembers()
}

func (h *participantHandler) handleStop(ctx context.Context, req protocol.StopRequest) {
	if h.participant.Role() != registry.RoleSpeaker {
		h.finish()
		return
	}

	final, err := h.closeSession(ctx)
	if err != nil {
		log.Printf("[%s] backend session close failed for %s: %v", h.conversationID, h.participant.RefID, err)
		h.router.metrics.BackendErrors.WithLabelValues("close").Inc()
		h.sendError(err, "Error while stopping the backend session")
	}
	if final != nil {
		h.send(final, "conversation_data")
	}

	if req.Mode() == protocol.ModeListener {
		// Downgrade: the speaker stays in the room as a listener.
		h.participant.SetRole(registry.RoleListener)
		log.Printf("[%s] speaker %s downgraded to listener", h.conversationID, h.participant.RefID)
		h.broadcast(protocol.RecognitionStarted(h.router.registry.BackendConversationID(h.conversationID)), string(protocol.TypeMessage))
		h.broadcastMembers()
		return
	}

	h.broadcast(protocol.ConversationCompleted(h.router.registry.BackendConversationID(h.conversationID)), string(protocol.TypeMessage))
	h.finish()
}

// finish detaches the participant, notifies the remaining room members and
// closes the socket, ending the read loop.
func (h *participantHandler) finish() {
	if !h.detached {
		h.router.registry.Detach(h.conversationID, h.participant.RefID)
		h.detached = true
		h.broadcastMembers()
	}
	_ = h.conn.Close()
}

func (h *participantHandler) handleAudio(ctx context.Context, data []byte) {
	if h.session == nil {
		log.Printf("[%s] dropping audio from %s: no active backend session", h.conversationID, h.participant.RefID)
		return
	}
	if err := h.session.SendAudio(ctx, data); err != nil {
		log.Printf("[%s] audio forward failed for %s: %v", h.conversationID, h.participant.RefID, err)
		h.router.metrics.BackendErrors.WithLabelValues("send_audio").Inc()
	}
}

// pump forwards every backend event to the room, one broadcast per event,
// until the session's event channel closes.
func (h *participantHandler) pump(events <-chan backend.Event) {
	defer close(h.pumpDone)
	for ev := range events {
		h.router.metrics.BroadcastEvents.WithLabelValues(string(ev.Kind)).Inc()
		h.router.registry.Broadcast(h.conversationID, ev.Payload)
	}
}

// closeSession closes the owned backend session and waits for the event
// pump to drain. Safe to call with no session.
func (h *participantHandler) closeSession(ctx context.Context) (final json.RawMessage, err error) {
	if h.session == nil {
		return nil, nil
	}
	final, err = h.session.Close(ctx)
	<-h.pumpDone
	h.session = nil
	return final, err
}

// cleanup runs when the read loop exits for any reason: socket close,
// transport error or an explicit stop. It is the single place that
// guarantees no conversation entry keeps a dangling participant.
func (h *participantHandler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := h.closeSession(ctx); err != nil {
		log.Printf("[%s] backend session close failed during cleanup of %s: %v", h.conversationID, h.participant.RefID, err)
		h.router.metrics.BackendErrors.WithLabelValues("close").Inc()
	}
	_ = h.conn.Close()
	if !h.detached {
		h.router.registry.Detach(h.conversationID, h.participant.RefID)
		h.detached = true
		h.broadcastMembers()
	}

	h.router.metrics.ParticipantEvents.WithLabelValues("detached").Inc()
	h.router.metrics.ActiveParticipants.Dec()
	h.router.metrics.ActiveConversations.Set(float64(h.router.registry.ConversationCount()))
	log.Printf("[%s] participant %s detached", h.conversationID, h.participant.RefID)
}

func (h *participantHandler) broadcastMembers() {
	listeners, speakers, ok := h.router.registry.MemberCounts(h.conversationID)
	if !ok {
		return
	}
	h.broadcast(protocol.NewMemberResponse(listeners, speakers), string(protocol.TypeMemberResponse))
}

func (h *participantHandler) broadcast(payload any, kind string) {
	h.router.metrics.BroadcastEvents.WithLabelValues(kind).Inc()
	h.router.registry.Broadcast(h.conversationID, payload)
}

// send writes a payload to this participant only.
func (h *participantHandler) send(payload any, kind string) {
	if err := h.conn.WriteJSON(payload); err != nil {
		log.Printf("[%s] send to %s failed: %v", h.conversationID, h.participant.RefID, err)
		return
	}
	h.router.metrics.WSMessages.WithLabelValues("outbound", kind).Inc()
}

func (h *participantHandler) sendError(err error, message string) {
	frame := protocol.NewErrorFrame(err, message)
	if werr := h.conn.WriteJSON(frame); werr != nil {
		log.Printf("[%s] error frame to %s failed: %v", h.conversationID, h.participant.RefID, werr)
		return
	}
	h.router.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeError)).Inc()
}

// lockedSocket serializes writes; broadcasts from backend pumps race the
// read loop's own replies on the same connection.
type lockedSocket struct {
	mu   sync.Mutex
	sock Socket
}

func (c *lockedSocket) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(v)
}

func (c *lockedSocket) Close() error { return c.sock.Close() }
