package signal

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
)

// fakeTransport records sent envelopes and whether it was closed.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

func (f *fakeTransport) Send(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) envelopes() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestRelayVerbatim(t *testing.T) {
	h := testHub()
	primary := &fakeTransport{}
	secondary := &fakeTransport{}
	h.Attach("c1", RolePrimary, primary)
	h.Attach("c1", RoleSecondary, secondary)

	env := Envelope{Type: TypeOffer, Role: RolePrimary, SDP: "v=0 fake sdp"}
	if err := h.Relay("c1", RoleSecondary, env); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	got := secondary.envelopes()
	// First envelope is the peer-joined notification from the primary attach.
	last := got[len(got)-1]
	if last.SDP != env.SDP || last.Type != TypeOffer {
		t.Errorf("relayed = %+v, want %+v", last, env)
	}
}

func TestRelayNoPeer(t *testing.T) {
	h := testHub()
	err := h.Relay("c1", RoleSecondary, Envelope{Type: TypeOffer})
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("error = %v, want ErrPeerUnavailable", err)
	}
}

func TestAttachSupersedes(t *testing.T) {
	h := testHub()
	oldPrimary := &fakeTransport{}
	secondary := &fakeTransport{}
	h.Attach("c1", RolePrimary, oldPrimary)
	h.Attach("c1", RoleSecondary, secondary)

	newPrimary := &fakeTransport{}
	replaced := h.Attach("c1", RolePrimary, newPrimary)
	if !replaced {
		t.Fatal("expected replacement")
	}
	if !oldPrimary.isClosed() {
		t.Error("old transport not closed")
	}

	// The secondary saw peer-left for the old primary, then peer-joined for
	// the new one.
	var sawLeft, sawJoined bool
	for _, env := range secondary.envelopes() {
		if env.Type == TypePeerLeft && env.Role == RolePrimary {
			sawLeft = true
		}
		if sawLeft && env.Type == TypePeerJoined && env.Role == RolePrimary {
			sawJoined = true
		}
	}
	if !sawLeft || !sawJoined {
		t.Errorf("secondary notifications = %+v, want peer-left then peer-joined", secondary.envelopes())
	}

	// Messages to the primary role now go only to the new transport.
	if err := h.Relay("c1", RolePrimary, Envelope{Type: TypeAnswer, SDP: "x"}); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	for _, env := range oldPrimary.envelopes() {
		if env.Type == TypeAnswer {
			t.Error("superseded transport still receiving")
		}
	}
	var newGot bool
	for _, env := range newPrimary.envelopes() {
		if env.Type == TypeAnswer {
			newGot = true
		}
	}
	if !newGot {
		t.Error("new transport did not receive relayed answer")
	}
}

func TestDetachNotifiesRemaining(t *testing.T) {
	h := testHub()
	primary := &fakeTransport{}
	secondary := &fakeTransport{}
	h.Attach("c1", RolePrimary, primary)
	h.Attach("c1", RoleSecondary, secondary)

	if !h.Detach("c1", RoleSecondary, secondary) {
		t.Fatal("detach of the live transport reported not removed")
	}

	var sawLeft bool
	for _, env := range primary.envelopes() {
		if env.Type == TypePeerLeft && env.Role == RoleSecondary {
			sawLeft = true
		}
	}
	if !sawLeft {
		t.Error("primary did not receive peer-left")
	}

	if err := h.Relay("c1", RoleSecondary, Envelope{Type: TypeOffer}); !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("relay after detach = %v, want ErrPeerUnavailable", err)
	}
}

func TestDetachStaleTransportIsNoop(t *testing.T) {
	h := testHub()
	old := &fakeTransport{}
	h.Attach("c1", RolePrimary, old)
	replacement := &fakeTransport{}
	h.Attach("c1", RolePrimary, replacement)

	// The superseded transport's read loop detaching late must not unregister
	// the replacement.
	if h.Detach("c1", RolePrimary, old) {
		t.Fatal("stale detach reported removal")
	}

	if err := h.Relay("c1", RolePrimary, Envelope{Type: TypeOffer}); err != nil {
		t.Errorf("replacement lost its registration: %v", err)
	}
}

func TestPeers(t *testing.T) {
	h := testHub()
	if got := h.Peers("c1"); len(got) != 0 {
		t.Fatalf("expected no peers, got %v", got)
	}
	h.Attach("c1", RolePrimary, &fakeTransport{})
	if got := h.Peers("c1"); len(got) != 1 || got[0] != RolePrimary {
		t.Fatalf("peers = %v", got)
	}
}

func TestCloseConversation(t *testing.T) {
	h := testHub()
	primary := &fakeTransport{}
	secondary := &fakeTransport{}
	h.Attach("c1", RolePrimary, primary)
	h.Attach("c1", RoleSecondary, secondary)

	h.CloseConversation("c1")

	if !primary.isClosed() || !secondary.isClosed() {
		t.Error("transports not closed")
	}
	if err := h.Relay("c1", RolePrimary, Envelope{Type: TypeOffer}); !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("relay after close = %v", err)
	}
}
