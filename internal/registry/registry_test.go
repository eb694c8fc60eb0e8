package registry

import (
	"errors"
	"sync"
	"testing"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  []any
	failing bool
	closed  bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("write on failed socket")
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestEntryExistsIffParticipantsAttached(t *testing.T) {
	r := New()
	if r.ConversationExists("abc") {
		t.Fatalf("entry should not exist before any attach")
	}

	p1 := r.Attach("abc", &fakeConn{})
	p2 := r.Attach("abc", &fakeConn{})
	if !r.ConversationExists("abc") {
		t.Fatalf("entry should exist with participants attached")
	}
	if got := r.ParticipantCount("abc"); got != 2 {
		t.Fatalf("ParticipantCount = %d, want 2", got)
	}
	if p1.RefID == p2.RefID {
		t.Fatalf("participant ref ids must be unique")
	}

	r.Detach("abc", p1.RefID)
	if !r.ConversationExists("abc") {
		t.Fatalf("entry should survive while one participant remains")
	}
	r.Detach("abc", p2.RefID)
	if r.ConversationExists("abc") {
		t.Fatalf("entry should be dropped with the last participant")
	}
	if got := r.ConversationCount(); got != 0 {
		t.Fatalf("ConversationCount = %d, want 0", got)
	}
}

func TestDetachUnknownIsNoOp(t *testing.T) {
	r := New()
	p := r.Attach("abc", &fakeConn{})

	if r.Detach("abc", "no-such-ref") {
		t.Fatalf("detaching an unknown ref should report false")
	}
	if r.Detach("other", p.RefID) {
		t.Fatalf("detaching from an unknown conversation should report false")
	}
	if got := r.ParticipantCount("abc"); got != 1 {
		t.Fatalf("ParticipantCount = %d, want 1 after no-op detaches", got)
	}

	r.Detach("abc", p.RefID)
	if r.Detach("abc", p.RefID) {
		t.Fatalf("double detach should report false")
	}
}

func TestBroadcastReachesOnlyOwnConversation(t *testing.T) {
	r := New()
	a1, a2 := &fakeConn{}, &fakeConn{}
	b1 := &fakeConn{}
	r.Attach("room-a", a1)
	r.Attach("room-a", a2)
	r.Attach("room-b", b1)

	delivered := r.Broadcast("room-a", map[string]string{"type": "test"})
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if a1.writeCount() != 1 || a2.writeCount() != 1 {
		t.Fatalf("room-a conns writes = %d/%d, want 1/1", a1.writeCount(), a2.writeCount())
	}
	if b1.writeCount() != 0 {
		t.Fatalf("room-b conn received %d writes, want 0", b1.writeCount())
	}
}

func TestBroadcastSurvivesFailingSocket(t *testing.T) {
	r := New()
	bad := &fakeConn{failing: true}
	good := &fakeConn{}
	r.Attach("abc", bad)
	r.Attach("abc", good)

	delivered := r.Broadcast("abc", map[string]string{"type": "test"})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if good.writeCount() != 1 {
		t.Fatalf("healthy socket writes = %d, want 1", good.writeCount())
	}
}

func TestBroadcastUnknownConversationIsNoOp(t *testing.T) {
	r := New()
	if delivered := r.Broadcast("ghost", map[string]string{"type": "test"}); delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

func TestMemberCountsByRole(t *testing.T) {
	r := New()
	speaker := r.Attach("abc", &fakeConn{})
	listener := r.Attach("abc", &fakeConn{})
	pending := r.Attach("abc", &fakeConn{})

	speaker.SetRole(RoleSpeaker)
	listener.SetRole(RoleListener)
	_ = pending // stays unspecified, counted as listener

	listeners, speakers, ok := r.MemberCounts("abc")
	if !ok {
		t.Fatalf("MemberCounts should find the conversation")
	}
	if listeners != 2 || speakers != 1 {
		t.Fatalf("counts = %d listeners / %d speakers, want 2/1", listeners, speakers)
	}

	if _, _, ok := r.MemberCounts("ghost"); ok {
		t.Fatalf("MemberCounts on unknown conversation should report !ok")
	}
}

func TestBackendConversationIDPropagation(t *testing.T) {
	r := New()
	if got := r.BackendConversationID("abc"); got != "" {
		t.Fatalf("backend id before attach = %q, want empty", got)
	}

	p := r.Attach("abc", &fakeConn{})
	r.SetBackendConversationID("abc", "conv-123")
	if got := r.BackendConversationID("abc"); got != "conv-123" {
		t.Fatalf("backend id = %q, want conv-123", got)
	}

	// Setting on an unknown conversation is a logged no-op.
	r.SetBackendConversationID("ghost", "conv-999")
	if got := r.BackendConversationID("ghost"); got != "" {
		t.Fatalf("backend id on unknown conversation = %q, want empty", got)
	}

	r.Detach("abc", p.RefID)
	if got := r.BackendConversationID("abc"); got != "" {
		t.Fatalf("backend id should reset once the entry is dropped, got %q", got)
	}
}

func TestSpeakerIdentity(t *testing.T) {
	r := New()
	p := r.Attach("abc", &fakeConn{})
	p.SetSpeakerIdentity("john@example.com", "John")
	userID, name := p.SpeakerIdentity()
	if userID != "john@example.com" || name != "John" {
		t.Fatalf("identity = %q/%q, want john@example.com/John", userID, name)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := r.Attach("abc", &fakeConn{})
			r.Broadcast("abc", map[string]string{"type": "test"})
			r.Detach("abc", p.RefID)
		}()
	}
	wg.Wait()
	if r.ConversationExists("abc") {
		t.Fatalf("entry should be gone once every participant detached")
	}
}
