package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/rodrigowf/voicebridge/pkg/signal"
)

// fakeDescriptorLink is an in-memory DescriptorTransport that hands out
// canned SDP and counts descriptor operations.
type fakeDescriptorLink struct {
	mu          sync.Mutex
	offers      int
	answers     int
	applied     int
	candidates  int
	closed      bool
	offerErr    error
	applyErr    error
}

func (f *fakeDescriptorLink) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.offers++
	return fmt.Sprintf("offer-%d", f.offers), nil
}

func (f *fakeDescriptorLink) CreateAnswer(remoteSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return fmt.Sprintf("answer-%d", f.answers), nil
}

func (f *fakeDescriptorLink) ApplyAnswer(remoteSDP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied++
	return nil
}

func (f *fakeDescriptorLink) AddICECandidate(candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates++
	return nil
}

func (f *fakeDescriptorLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sentRecorder struct {
	mu   sync.Mutex
	envs []signal.Envelope
	err  error
}

func (r *sentRecorder) send(env signal.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *sentRecorder) ofType(t string) []signal.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signal.Envelope
	for _, env := range r.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func newTestNegotiator() (*Negotiator, *fakeDescriptorLink, *sentRecorder, *[]State) {
	link := &fakeDescriptorLink{}
	rec := &sentRecorder{}
	n := NewNegotiator(link, rec.send, slog.Default())
	states := &[]State{}
	var mu sync.Mutex
	n.OnStateChange(func(s State, gen uint64) {
		mu.Lock()
		*states = append(*states, s)
		mu.Unlock()
	})
	return n, link, rec, states
}

func TestFirstContactExchange(t *testing.T) {
	n, link, rec, states := newTestNegotiator()

	if err := n.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if n.State() != StateAnswerPending {
		t.Fatalf("state = %s, want answer-pending", n.State())
	}
	if got := rec.ofType(signal.TypeOffer); len(got) != 1 {
		t.Fatalf("offers sent = %d, want 1", len(got))
	}

	if err := n.HandleAnswer("remote-answer"); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if n.State() != StateConnected {
		t.Fatalf("state = %s, want connected", n.State())
	}
	if n.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", n.Generation())
	}
	if link.applied != 1 {
		t.Fatalf("answers applied = %d, want 1", link.applied)
	}

	want := []State{StateOffering, StateAnswerPending, StateConnected}
	if len(*states) != len(want) {
		t.Fatalf("transitions = %v, want %v", *states, want)
	}
	for i, s := range want {
		if (*states)[i] != s {
			t.Fatalf("transition %d = %s, want %s", i, (*states)[i], s)
		}
	}
}

func TestRenegotiationOnExistingLink(t *testing.T) {
	n, link, _, states := newTestNegotiator()
	n.Offer()
	n.HandleAnswer("a1")

	if err := n.Offer(); err != nil {
		t.Fatalf("renegotiation Offer: %v", err)
	}
	if err := n.HandleAnswer("a2"); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if n.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", n.Generation())
	}
	// Same link object served both exchanges.
	if link.offers != 2 {
		t.Fatalf("offers created = %d, want 2", link.offers)
	}

	// Connected → Renegotiating → AnswerPending → Connected.
	if len(*states) != 6 {
		t.Fatalf("transitions = %v, want 6 entries", *states)
	}
	tail := (*states)[3:]
	want := []State{StateRenegotiating, StateAnswerPending, StateConnected}
	for i, s := range want {
		if tail[i] != s {
			t.Fatalf("transition %d = %s, want %s", i, tail[i], s)
		}
	}
}

func TestAddTrackDrivesExactlyOneExchange(t *testing.T) {
	n, link, rec, _ := newTestNegotiator()
	n.Offer()
	n.HandleAnswer("a1")

	attached := 0
	if err := n.AddTrack(func() error { attached++; return nil }); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if attached != 1 {
		t.Fatalf("attach calls = %d, want 1", attached)
	}
	// The track is not delivered yet: the exchange is still in flight.
	if n.Generation() != 1 || n.State() != StateAnswerPending {
		t.Fatalf("gen=%d state=%s before answer", n.Generation(), n.State())
	}

	n.HandleAnswer("a2")
	if n.Generation() != 2 {
		t.Fatalf("generation = %d, want exactly 2", n.Generation())
	}
	if got := rec.ofType(signal.TypeOffer); len(got) != 2 {
		t.Fatalf("offers sent = %d, want 2", len(got))
	}
	if link.offers != 2 {
		t.Fatalf("offers created = %d, want 2", link.offers)
	}
}

func TestConcurrentRenegotiationQueues(t *testing.T) {
	n, link, _, _ := newTestNegotiator()
	n.Offer()
	n.HandleAnswer("a1")

	// Two tracks added in the same instant: the second exchange must wait.
	n.AddTrack(func() error { return nil })
	n.AddTrack(func() error { return nil })

	if n.PendingRenegotiations() != 1 {
		t.Fatalf("pending = %d, want 1", n.PendingRenegotiations())
	}
	if link.offers != 2 {
		t.Fatalf("offers created = %d, want 2 (second queued)", link.offers)
	}

	n.HandleAnswer("a2")
	// The queued exchange started automatically.
	if n.State() != StateAnswerPending {
		t.Fatalf("state = %s, want answer-pending for queued exchange", n.State())
	}
	if link.offers != 3 {
		t.Fatalf("offers created = %d, want 3", link.offers)
	}

	n.HandleAnswer("a3")
	if n.Generation() != 3 {
		t.Fatalf("generation = %d, want 3", n.Generation())
	}
	if n.PendingRenegotiations() != 0 {
		t.Fatalf("pending = %d, want 0", n.PendingRenegotiations())
	}
}

func TestUnexpectedAnswer(t *testing.T) {
	n, _, _, _ := newTestNegotiator()
	if err := n.HandleAnswer("a"); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("error = %v, want ErrUnexpectedAnswer", err)
	}
}

func TestAnswerSideUsesExistingLink(t *testing.T) {
	n, link, rec, _ := newTestNegotiator()

	if err := n.HandleOffer("offer-1"); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if n.State() != StateConnected || n.Generation() != 1 {
		t.Fatalf("state=%s gen=%d after first offer", n.State(), n.Generation())
	}

	// A renegotiation offer arrives on the same negotiator: no new link, the
	// branch is a state lookup on the existing one.
	if err := n.HandleOffer("offer-2"); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if n.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", n.Generation())
	}
	if link.answers != 2 {
		t.Fatalf("answers created = %d, want 2", link.answers)
	}
	if got := rec.ofType(signal.TypeAnswer); len(got) != 2 {
		t.Fatalf("answers sent = %d, want 2", len(got))
	}
}

func TestOfferWithNoPeerIsDroppedSilently(t *testing.T) {
	link := &fakeDescriptorLink{}
	rec := &sentRecorder{err: signal.ErrPeerUnavailable}
	n := NewNegotiator(link, rec.send, slog.Default())

	if err := n.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if n.State() != StateAnswerPending {
		t.Fatalf("state = %s, want answer-pending", n.State())
	}

	// Peer attaches later: the in-flight offer is resendable.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if err := n.ResendOffer(); err != nil {
		t.Fatalf("ResendOffer: %v", err)
	}
	if got := rec.ofType(signal.TypeOffer); len(got) != 1 {
		t.Fatalf("offers delivered = %d, want 1", len(got))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n, link, _, _ := newTestNegotiator()
	n.Offer()

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !link.closed {
		t.Fatal("link not closed")
	}
	if err := n.Offer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Offer after close = %v, want ErrClosed", err)
	}
	if err := n.HandleAnswer("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleAnswer after close = %v, want ErrClosed", err)
	}
}

func TestCandidateAfterCloseRejected(t *testing.T) {
	n, _, _, _ := newTestNegotiator()
	if err := n.HandleCandidate("cand"); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	n.Close()
	if err := n.HandleCandidate("cand"); !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
}
