package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rodrigowf/voicebridge/pkg/signal"
)

// State is a MediaLink's negotiation lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswerPending
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed is returned by operations on a closed negotiator.
var ErrClosed = errors.New("negotiator closed")

// ErrUnexpectedAnswer is returned when an answer arrives outside an exchange.
var ErrUnexpectedAnswer = errors.New("answer received while not awaiting one")

// StateChangeFunc observes negotiator transitions. It is called outside the
// negotiator's lock, after the transition has been applied.
type StateChangeFunc func(state State, generation uint64)

// Negotiator drives one MediaLink's offer/answer lifecycle. The relay side is
// always the offerer; device peers only answer, which is also the glare
// tie-break. Renegotiations requested while an exchange is in flight are
// queued and run one at a time, never concurrently.
//
// It never constructs a new link: whether an exchange is first contact or a
// renegotiation is decided purely by the current state of the existing link.
type Negotiator struct {
	mu         sync.Mutex
	state      State
	generation uint64
	pending    int // renegotiations queued behind the in-flight exchange

	link      DescriptorTransport
	send      func(signal.Envelope) error
	onState   StateChangeFunc
	logger    *slog.Logger
	lastOffer string // in-flight local offer, resendable until answered
}

// DescriptorTransport is the descriptor-level surface of a media link.
type DescriptorTransport interface {
	// CreateOffer generates and applies the local offer, returning its SDP.
	CreateOffer() (string, error)
	// CreateAnswer applies the remote offer, then generates and applies the
	// local answer, returning its SDP.
	CreateAnswer(remoteSDP string) (string, error)
	// ApplyAnswer applies the remote answer for the in-flight offer.
	ApplyAnswer(remoteSDP string) error
	// AddICECandidate applies a remote candidate.
	AddICECandidate(candidate string) error
	Close() error
}

// NewNegotiator wires a negotiator to its link and its signaling send path.
func NewNegotiator(link DescriptorTransport, send func(signal.Envelope) error, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		state:  StateIdle,
		link:   link,
		send:   send,
		logger: logger,
	}
}

// OnStateChange registers the transition observer. Must be called before the
// first exchange.
func (n *Negotiator) OnStateChange(fn StateChangeFunc) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Generation returns the number of completed offer/answer exchanges.
func (n *Negotiator) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation
}

// PendingRenegotiations returns how many exchanges are queued behind the
// in-flight one.
func (n *Negotiator) PendingRenegotiations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}

func (n *Negotiator) transitionLocked(to State) StateChangeFunc {
	n.state = to
	return n.onState
}

func (n *Negotiator) notify(fn StateChangeFunc, state State, generation uint64) {
	if fn != nil {
		fn(state, generation)
	}
}

// Offer starts an offer/answer exchange. From Idle this is first contact;
// from Connected it is a renegotiation on the existing link. If an exchange
// is already in flight the request is queued and runs after the current
// generation completes.
func (n *Negotiator) Offer() error {
	n.mu.Lock()
	switch n.state {
	case StateClosed:
		n.mu.Unlock()
		return ErrClosed
	case StateOffering, StateAnswerPending, StateRenegotiating:
		n.pending++
		n.mu.Unlock()
		return nil
	case StateConnected:
		fn := n.transitionLocked(StateRenegotiating)
		gen := n.generation
		n.mu.Unlock()
		n.notify(fn, StateRenegotiating, gen)
	case StateIdle:
		fn := n.transitionLocked(StateOffering)
		gen := n.generation
		n.mu.Unlock()
		n.notify(fn, StateOffering, gen)
	}

	return n.sendOffer()
}

func (n *Negotiator) sendOffer() error {
	sdp, err := n.link.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.lastOffer = sdp
	fn := n.transitionLocked(StateAnswerPending)
	gen := n.generation
	n.mu.Unlock()
	n.notify(fn, StateAnswerPending, gen)

	if err := n.send(signal.Envelope{Type: signal.TypeOffer, SDP: sdp}); err != nil {
		// The peer will pick the exchange up on its next attach; nothing to
		// retry here.
		if errors.Is(err, signal.ErrPeerUnavailable) {
			n.logger.Debug("offer dropped, no peer attached")
			return nil
		}
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// ResendOffer re-sends the in-flight offer. Used when a peer attaches after
// the offer was first sent with nobody listening; a no-op outside
// AnswerPending.
func (n *Negotiator) ResendOffer() error {
	n.mu.Lock()
	if n.state != StateAnswerPending || n.lastOffer == "" {
		n.mu.Unlock()
		return nil
	}
	sdp := n.lastOffer
	n.mu.Unlock()

	if err := n.send(signal.Envelope{Type: signal.TypeOffer, SDP: sdp}); err != nil {
		if errors.Is(err, signal.ErrPeerUnavailable) {
			return nil
		}
		return fmt.Errorf("failed to resend offer: %w", err)
	}
	return nil
}

// HandleAnswer completes the in-flight exchange: the remote answer is applied
// and the generation advances exactly once. A queued renegotiation, if any,
// starts immediately after.
func (n *Negotiator) HandleAnswer(sdp string) error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.state != StateAnswerPending {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrUnexpectedAnswer, state)
	}
	n.mu.Unlock()

	if err := n.link.ApplyAnswer(sdp); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.generation++
	fn := n.transitionLocked(StateConnected)
	gen := n.generation
	runQueued := n.pending > 0
	if runQueued {
		n.pending--
	}
	n.mu.Unlock()
	n.notify(fn, StateConnected, gen)

	n.logger.Info("negotiation complete", slog.Uint64("generation", gen))

	if runQueued {
		return n.Offer()
	}
	return nil
}

// HandleOffer serves the answering side of an exchange on the existing link.
// Whether this is first contact or a renegotiation is a state lookup, never
// an inference from the message itself.
func (n *Negotiator) HandleOffer(sdp string) error {
	n.mu.Lock()
	switch n.state {
	case StateClosed:
		n.mu.Unlock()
		return ErrClosed
	case StateIdle, StateConnected:
	default:
		// Glare cannot happen under the offerer/answerer split; an offer in
		// any other state means the peer restarted its exchange.
		n.logger.Warn("offer received mid-exchange", slog.String("state", n.state.String()))
	}
	n.mu.Unlock()

	answer, err := n.link.CreateAnswer(sdp)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.generation++
	fn := n.transitionLocked(StateConnected)
	gen := n.generation
	n.mu.Unlock()
	n.notify(fn, StateConnected, gen)

	if err := n.send(signal.Envelope{Type: signal.TypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

// HandleCandidate applies a remote ICE candidate.
func (n *Negotiator) HandleCandidate(candidate string) error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.mu.Unlock()

	if err := n.link.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// AddTrack attaches a new outbound track to the existing link and schedules
// the renegotiation that delivers it. The track is not live until the new
// generation's exchange completes; callers observe that through the state
// callback, not by waiting here.
func (n *Negotiator) AddTrack(attach func() error) error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.mu.Unlock()

	if err := attach(); err != nil {
		return fmt.Errorf("failed to attach track: %w", err)
	}
	return n.Offer()
}

// Close moves to Closed from any state and closes the link. Idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return nil
	}
	fn := n.transitionLocked(StateClosed)
	gen := n.generation
	n.pending = 0
	n.mu.Unlock()
	n.notify(fn, StateClosed, gen)

	return n.link.Close()
}
