package registry

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Role of a participant within a conversation, resolved lazily at the
// first start_request rather than at accept time.
type Role string

const (
	RoleUnspecified Role = ""
	RoleSpeaker     Role = "speaker"
	RoleListener    Role = "listener"
)

// Conn is the write side of a participant socket. Implementations must be
// safe for concurrent use: broadcasts and router replies race.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Participant is the per-socket state for one attached connection. The
// embedded mutex guards role and speaker identity, which the router
// mutates while membership counters read them concurrently.
type Participant struct {
	RefID          string
	ConversationID string
	Conn           Conn

	mu          sync.Mutex
	role        Role
	speakerID   string
	speakerName string
}

func (p *Participant) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Participant) SetRole(r Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = r
}

func (p *Participant) SetSpeakerIdentity(userID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakerID = userID
	p.speakerName = name
}

func (p *Participant) SpeakerIdentity() (userID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speakerID, p.speakerName
}

type conversationEntry struct {
	backendConversationID string
	participants          map[string]*Participant
}

// Registry is the single shared table mapping conversation ids to their
// attached participants. An entry exists iff it has at least one
// participant: entries are created lazily on Attach and deleted when the
// last participant detaches.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*conversationEntry
}

func New() *Registry {
	return &Registry{conversations: make(map[string]*conversationEntry)}
}

// Attach registers conn under conversationID and returns the new
// participant with a fresh reference id.
func (r *Registry) Attach(conversationID string, conn Conn) *Participant {
	p := &Participant{
		RefID:          uuid.NewString(),
		ConversationID: conversationID,
		Conn:           conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		entry = &conversationEntry{participants: make(map[string]*Participant)}
		r.conversations[conversationID] = entry
	}
	entry.participants[p.RefID] = p
	return p
}

// Detach removes the participant and drops the conversation entry when it
// empties. Detaching an unknown pair is a logged no-op.
func (r *Registry) Detach(conversationID, refID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conversations[conversationID]
	if !ok || entry.participants[refID] == nil {
		log.Printf("registry: no connection found for conversation %s and ref %s", conversationID, refID)
		return false
	}
	delete(entry.participants, refID)
	if len(entry.participants) == 0 {
		log.Printf("registry: clearing entry for conversation %s", conversationID)
		delete(r.conversations, conversationID)
	}
	return true
}

// Get returns the participant, or (nil, false) when either id is unknown.
// Callers treat a miss as "connection no longer active" and skip the
// operation.
func (r *Registry) Get(conversationID, refID string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		return nil, false
	}
	p, ok := entry.participants[refID]
	return p, ok
}

func (r *Registry) ConversationExists(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conversations[conversationID]
	return ok
}

// SetBackendConversationID records the backend-issued identifier once the
// speaker's session opens, so late joiners observe the same id.
func (r *Registry) SetBackendConversationID(conversationID, backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		log.Printf("registry: conversation %s not active anymore, dropping backend id", conversationID)
		return
	}
	entry.backendConversationID = backendID
}

func (r *Registry) BackendConversationID(conversationID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		return ""
	}
	return entry.backendConversationID
}

// Broadcast sends payload to every participant currently attached to the
// conversation. Iteration runs over a snapshot so detaches during the
// fan-out are safe; a failed send on one socket never blocks the rest.
// Returns the number of successful deliveries.
func (r *Registry) Broadcast(conversationID string, payload any) int {
	r.mu.RLock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		r.mu.RUnlock()
		log.Printf("registry: broadcast on closed/unestablished conversation %s", conversationID)
		return 0
	}
	snapshot := make([]*Participant, 0, len(entry.participants))
	for _, p := range entry.participants {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range snapshot {
		if err := p.Conn.WriteJSON(payload); err != nil {
			log.Printf("registry: broadcast to ref %s failed: %v", p.RefID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// MemberCounts reports the conversation's membership by role.
func (r *Registry) MemberCounts(conversationID string) (listeners, speakers int, ok bool) {
	r.mu.RLock()
	entry, exists := r.conversations[conversationID]
	if !exists {
		r.mu.RUnlock()
		return 0, 0, false
	}
	snapshot := make([]*Participant, 0, len(entry.participants))
	for _, p := range entry.participants {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if p.Role() == RoleSpeaker {
			speakers++
		} else {
			listeners++
		}
	}
	return listeners, speakers, true
}

// ParticipantCount returns the number of attached participants, zero when
// the conversation is unknown.
func (r *Registry) ParticipantCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conversations[conversationID]
	if !ok {
		return 0
	}
	return len(entry.participants)
}

// ConversationCount returns the number of live conversation entries.
func (r *Registry) ConversationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}
