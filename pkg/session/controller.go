package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rodrigowf/voicebridge/pkg/audio"
	"github.com/rodrigowf/voicebridge/pkg/signal"
	"github.com/rodrigowf/voicebridge/pkg/store"
)

// SpeechPeer is the realtime speech model, treated as one more peer: an audio
// producer/consumer pair plus a transcript source.
type SpeechPeer interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	OnAudio(fn func(pcm []byte))
	OnTranscript(fn func(text string, final bool))
	Close() error
}

// Config carries the controller's tunables.
type Config struct {
	Format           audio.Format
	CleanupThreshold time.Duration
}

// Mixer input and track names. Mic inputs are named by role so mute can
// address them uniformly across destinations.
const (
	inputModel   = "model"
	trackSession = "session"
	trackRemote  = "remote"
)

// Controller owns the conversation→session registry and glues the hub, the
// store, the negotiators and the mixers together. The registry is the only
// cross-conversation shared state and is touched only on start/stop/attach,
// all low-frequency operations.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*Session

	hub    *signal.Hub
	store  *store.Store
	cfg    Config
	logger *slog.Logger

	newLink   func() (MediaLink, error)
	newSpeech func() SpeechPeer
}

// NewController wires a controller. newLink and newSpeech are factories so
// tests can substitute in-memory fakes for pion and the realtime API.
func NewController(hub *signal.Hub, st *store.Store, cfg Config,
	newLink func() (MediaLink, error), newSpeech func() SpeechPeer, logger *slog.Logger) *Controller {
	return &Controller{
		sessions:  make(map[string]*Session),
		hub:       hub,
		store:     st,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "controller")),
		newLink:   newLink,
		newSpeech: newSpeech,
	}
}

// Session is the ephemeral state of one active conversation: links by role,
// the per-destination mixers and the speech peer. All signaling-driven
// mutations serialize on opMu so two renegotiations for the same link can
// never interleave.
type Session struct {
	convID string
	ctx    context.Context
	cancel context.CancelFunc

	opMu  sync.Mutex
	links map[signal.Role]*peerLink

	toModel  *audio.Mixer // mic mix sent to the speech model
	speech   SpeechPeer
	splitter *audio.FrameSplitter // re-frames the model's audio deltas
}

// peerLink couples one device peer's MediaLink with its negotiator and the
// mixers driving its outbound tracks.
type peerLink struct {
	role    signal.Role
	link    MediaLink
	neg     *Negotiator
	mixers  map[string]*audio.Mixer       // track name → mixer feeding it
	modelIn *audio.Input                  // the model's input on the session mixer
	micTaps map[signal.Role]*audio.Input  // other peers' mic inputs on this destination
}

func (c *Controller) session(convID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[convID]
}

// StartPrimary starts a voice session for a conversation: housekeeping
// cleanup, session allocation, speech peer connect, primary MediaLink and the
// mandatory session-started event. Only the initial link allocation and the
// event append can abort the start.
func (c *Controller) StartPrimary(ctx context.Context, convID string) error {
	// Best-effort housekeeping; never blocks a session start.
	if deleted, err := c.store.CleanupInactive(ctx, c.cfg.CleanupThreshold); err != nil {
		c.logger.Warn("cleanup failed", slog.String("error", err.Error()))
	} else if len(deleted) > 0 {
		c.logger.Info("cleaned up inactive conversations", slog.Int("count", len(deleted)))
	}

	if _, err := c.store.Ensure(ctx, convID, "Voice session"); err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}

	c.mu.Lock()
	if _, exists := c.sessions[convID]; exists {
		c.mu.Unlock()
		return nil // already running
	}
	sctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		convID:   convID,
		ctx:      sctx,
		cancel:   cancel,
		links:    make(map[signal.Role]*peerLink),
		toModel:  audio.NewMixer(c.cfg.Format),
		splitter: audio.NewFrameSplitter(c.cfg.Format),
	}
	c.sessions[convID] = sess
	c.mu.Unlock()

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	c.connectSpeech(sess)

	if err := c.allocateLink(sess, signal.RolePrimary); err != nil {
		c.teardown(sess)
		return fmt.Errorf("failed to allocate primary link: %w", err)
	}

	if _, err := c.store.Append(ctx, convID, store.Event{
		Source: "system", Type: "session-started",
	}); err != nil {
		c.teardown(sess)
		return fmt.Errorf("failed to record session start: %w", err)
	}

	// With no transport attached yet this parks the exchange in
	// AnswerPending; the offer is resent when the device shows up.
	if err := sess.links[signal.RolePrimary].neg.Offer(); err != nil {
		c.logger.Warn("initial offer failed", slog.String("error", err.Error()))
	}

	c.logger.Info("session started", slog.String("conversation", convID))
	return nil
}

// connectSpeech connects the model peer and wires its audio and transcript
// streams. A model outage degrades the session instead of aborting it.
func (c *Controller) connectSpeech(sess *Session) {
	sp := c.newSpeech()
	sess.speech = sp

	sp.OnAudio(func(pcm []byte) {
		frames := sess.splitter.Push(audio.BytesToPCM(pcm))
		sess.opMu.Lock()
		var inputs []*audio.Input
		for _, pl := range sess.links {
			if in := pl.modelInput(); in != nil {
				inputs = append(inputs, in)
			}
		}
		sess.opMu.Unlock()
		for _, frame := range frames {
			for _, in := range inputs {
				in.Push(frame)
			}
		}
	})

	sp.OnTranscript(func(text string, final bool) {
		if !final {
			return
		}
		payload, _ := json.Marshal(map[string]string{"text": text})
		if _, err := c.store.Append(sess.ctx, sess.convID, store.Event{
			Source: "model", Type: "transcript", Payload: string(payload),
		}); err != nil {
			c.logger.Warn("failed to record transcript", slog.String("error", err.Error()))
		}
	})

	if err := sp.Connect(sess.ctx); err != nil {
		c.logger.Error("speech peer connect failed", slog.String("error", err.Error()))
	}

	go sess.toModel.Run(sess.ctx, func(frame []int16) {
		if err := sp.SendAudio(audio.PCMToBytes(frame)); err != nil {
			c.logger.Debug("failed to send audio to model", slog.String("error", err.Error()))
		}
	})
}

// modelInput returns the model's input on the peer's session-track mixer.
func (pl *peerLink) modelInput() *audio.Input {
	return pl.modelIn
}

// allocateLink builds the MediaLink, negotiator, session track and audio
// wiring for one role. Caller holds sess.opMu.
func (c *Controller) allocateLink(sess *Session, role signal.Role) error {
	ml, err := c.newLink()
	if err != nil {
		return err
	}

	logger := c.logger.With(
		slog.String("conversation", sess.convID),
		slog.String("role", string(role)))

	neg := NewNegotiator(ml, func(env signal.Envelope) error {
		return c.hub.Relay(sess.convID, role, env)
	}, logger)

	pl := &peerLink{
		role:    role,
		link:    ml,
		neg:     neg,
		mixers:  make(map[string]*audio.Mixer),
		micTaps: make(map[signal.Role]*audio.Input),
	}

	// One mixed outbound stream per destination track. The session track
	// starts with the model's audio; the other device's mic is added as its
	// own input when that peer exists.
	mixer := audio.NewMixer(c.cfg.Format)
	pl.modelIn = mixer.AddInput(inputModel)
	pl.mixers[trackSession] = mixer

	writer, err := ml.AddAudioTrack(
		fmt.Sprintf("audio-%s", trackSession),
		fmt.Sprintf("stream-%s", sess.convID))
	if err != nil {
		ml.Close()
		return err
	}
	go mixer.Run(sess.ctx, func(frame []int16) {
		writer.WriteFrame(frame)
	})

	// Inbound mic frames feed the model mix; the other peer taps them
	// through its own input added on join.
	micIn := sess.toModel.AddInput(string(role))
	ml.OnRemoteFrame(func(frame []int16) {
		micIn.Push(frame)
		sess.opMu.Lock()
		other := sess.links[role.Other()]
		var tap *audio.Input
		if other != nil {
			tap = other.micTaps[role]
		}
		sess.opMu.Unlock()
		if tap != nil {
			tap.Push(frame)
		}
	})

	ml.OnLocalCandidate(func(candidate string) {
		if err := c.hub.Relay(sess.convID, role, signal.Envelope{
			Type: signal.TypeCandidate, Candidate: candidate,
		}); err != nil {
			logger.Debug("candidate dropped", slog.String("error", err.Error()))
		}
	})

	ml.OnClosed(func() {
		logger.Info("media transport closed")
		neg.Close()
	})

	sess.links[role] = pl
	return nil
}

// JoinSecondary attaches the secondary device to a running session. When the
// primary link is already connected, the secondary's microphone becomes a new
// outbound track on the EXISTING primary link, delivered through exactly one
// renegotiation.
func (c *Controller) JoinSecondary(ctx context.Context, convID string) error {
	sess := c.session(convID)
	if sess == nil {
		return store.ErrNotFound
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	if _, exists := sess.links[signal.RoleSecondary]; exists {
		return nil
	}

	if err := c.allocateLink(sess, signal.RoleSecondary); err != nil {
		return fmt.Errorf("failed to allocate secondary link: %w", err)
	}

	sec := sess.links[signal.RoleSecondary]

	c.wirePrimaryTap(sess)
	if err := c.wireRemoteMonitor(sess); err != nil {
		c.logger.Warn("remote track renegotiation failed", slog.String("error", err.Error()))
	}

	if _, err := c.store.Append(ctx, convID, store.Event{
		Source: "system", Type: "secondary-joined",
	}); err != nil {
		c.logger.Warn("failed to record join", slog.String("error", err.Error()))
	}

	if err := sec.neg.Offer(); err != nil {
		return fmt.Errorf("failed to offer secondary: %w", err)
	}
	return nil
}

// wirePrimaryTap lets the secondary hear the primary's mic alongside the
// model, on the session mixer it already offers. Idempotent; caller holds
// sess.opMu.
func (c *Controller) wirePrimaryTap(sess *Session) {
	sec := sess.links[signal.RoleSecondary]
	if sec == nil {
		return
	}
	if _, ok := sec.micTaps[signal.RolePrimary]; ok {
		return
	}
	sec.micTaps[signal.RolePrimary] = sec.mixers[trackSession].AddInput(string(signal.RolePrimary))
}

// wireRemoteMonitor gives the primary the remote mic on a dedicated track,
// added to the already-established link and delivered by exactly one
// renegotiation. Idempotent; caller holds sess.opMu.
func (c *Controller) wireRemoteMonitor(sess *Session) error {
	primary := sess.links[signal.RolePrimary]
	sec := sess.links[signal.RoleSecondary]
	if primary == nil || sec == nil {
		return nil
	}
	if _, ok := primary.mixers[trackRemote]; ok {
		return nil
	}

	remoteMixer := audio.NewMixer(c.cfg.Format)
	primary.micTaps[signal.RoleSecondary] = remoteMixer.AddInput(string(signal.RoleSecondary))
	primary.mixers[trackRemote] = remoteMixer

	return primary.neg.AddTrack(func() error {
		writer, err := primary.link.AddAudioTrack(
			fmt.Sprintf("audio-%s", trackRemote),
			fmt.Sprintf("stream-%s", sess.convID))
		if err != nil {
			return err
		}
		go remoteMixer.Run(sess.ctx, func(frame []int16) {
			writer.WriteFrame(frame)
		})
		return nil
	})
}

// SetMute flips a role's microphone gain across every destination it feeds.
// No renegotiation: mute is a gain change, not a track change.
func (c *Controller) SetMute(ctx context.Context, convID string, role signal.Role, muted bool) error {
	sess := c.session(convID)
	if sess == nil {
		return store.ErrNotFound
	}

	sess.opMu.Lock()
	sess.toModel.SetMute(string(role), muted)
	for _, pl := range sess.links {
		for _, m := range pl.mixers {
			m.SetMute(string(role), muted)
		}
	}
	sess.opMu.Unlock()

	// The other device mirrors the mute state in its UI.
	if err := c.hub.Relay(convID, role.Other(), signal.Envelope{
		Type: signal.TypeMute, Role: role, Muted: &muted,
	}); err != nil && !errors.Is(err, signal.ErrPeerUnavailable) {
		c.logger.Debug("mute relay failed", slog.String("error", err.Error()))
	}

	payload, _ := json.Marshal(map[string]any{"role": role, "muted": muted})
	if _, err := c.store.Append(ctx, convID, store.Event{
		Source: string(role), Type: "mute", Payload: string(payload),
	}); err != nil {
		c.logger.Warn("failed to record mute", slog.String("error", err.Error()))
	}

	return nil
}

// Stop tears the session down: links closed, hub registrations dropped,
// speech peer closed. Idempotent; the conversation record survives.
func (c *Controller) Stop(ctx context.Context, convID string) error {
	c.mu.Lock()
	sess := c.sessions[convID]
	delete(c.sessions, convID)
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	c.teardown(sess)
	c.hub.CloseConversation(convID)

	if _, err := c.store.Append(ctx, convID, store.Event{
		Source: "system", Type: "session-stopped",
	}); err != nil {
		c.logger.Warn("failed to record stop", slog.String("error", err.Error()))
	}

	c.logger.Info("session stopped", slog.String("conversation", convID))
	return nil
}

func (c *Controller) teardown(sess *Session) {
	c.mu.Lock()
	delete(c.sessions, sess.convID)
	c.mu.Unlock()

	sess.cancel()

	sess.opMu.Lock()
	for _, pl := range sess.links {
		pl.neg.Close()
	}
	sess.links = make(map[signal.Role]*peerLink)
	sp := sess.speech
	sess.opMu.Unlock()

	if sp != nil {
		sp.Close()
	}
}

// PeerAttached is called by the signaling endpoint after a transport attaches
// to the hub. A superseding attach invalidates the old link: the peer's new
// browser-side connection knows nothing of the old descriptors, so the link
// is rebuilt and offered from scratch. A first attach just (re)sends the
// pending offer.
func (c *Controller) PeerAttached(convID string, role signal.Role, replaced bool) {
	sess := c.session(convID)
	if sess == nil {
		return
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	pl, exists := sess.links[role]
	if !exists {
		return
	}

	rebuilt := false
	if replaced || pl.neg.State() == StateClosed {
		pl.neg.Close()
		sess.toModel.RemoveInput(string(role))
		delete(sess.links, role)
		if err := c.allocateLink(sess, role); err != nil {
			c.logger.Error("failed to rebuild link", slog.String("error", err.Error()))
			return
		}
		pl = sess.links[role]
		c.wirePrimaryTap(sess)
		if err := c.wireRemoteMonitor(sess); err != nil {
			c.logger.Warn("remote track renegotiation failed", slog.String("error", err.Error()))
		}
		rebuilt = true
	}

	switch pl.neg.State() {
	case StateIdle:
		if err := pl.neg.Offer(); err != nil {
			c.logger.Warn("offer failed", slog.String("error", err.Error()))
		}
	case StateAnswerPending:
		// A rebuild that re-adds the remote monitor track has already sent
		// its offer; resending would draw a second answer.
		if rebuilt {
			break
		}
		// The first send of this offer went into the void before the peer
		// attached.
		if err := pl.neg.ResendOffer(); err != nil {
			c.logger.Warn("offer resend failed", slog.String("error", err.Error()))
		}
	}
}

// PeerDetached is called by the signaling endpoint when a transport's read
// loop ends.
func (c *Controller) PeerDetached(convID string, role signal.Role) {
	sess := c.session(convID)
	if sess == nil {
		return
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	if pl, ok := sess.links[role]; ok {
		pl.neg.Close()
	}
}

// HandleSignal dispatches one envelope received from a device peer. All
// dispatch for a conversation serializes on the session's operation lock.
func (c *Controller) HandleSignal(ctx context.Context, convID string, from signal.Role, env signal.Envelope) error {
	sess := c.session(convID)
	if sess == nil {
		return store.ErrNotFound
	}

	switch env.Type {
	case signal.TypeAnswer:
		sess.opMu.Lock()
		pl := sess.links[from]
		sess.opMu.Unlock()
		if pl == nil {
			return nil
		}
		return pl.neg.HandleAnswer(env.SDP)

	case signal.TypeOffer:
		// A peer-initiated offer lands on the EXISTING link when there is
		// one; only a missing link means first contact.
		sess.opMu.Lock()
		pl, exists := sess.links[from]
		if !exists {
			if err := c.allocateLink(sess, from); err != nil {
				sess.opMu.Unlock()
				return err
			}
			pl = sess.links[from]
		}
		sess.opMu.Unlock()
		return pl.neg.HandleOffer(env.SDP)

	case signal.TypeCandidate:
		sess.opMu.Lock()
		pl := sess.links[from]
		sess.opMu.Unlock()
		if pl == nil {
			return nil
		}
		return pl.neg.HandleCandidate(env.Candidate)

	case signal.TypeMute:
		if env.Muted == nil {
			return nil
		}
		return c.SetMute(ctx, convID, from, *env.Muted)
	}

	c.logger.Debug("ignoring envelope", slog.String("type", env.Type))
	return nil
}

// TrackFrames exposes a role's outbound track continuity counters, keyed by
// track name. Each counter advances once per mixer tick; a stall during
// renegotiation would show up as a frozen counter.
func (c *Controller) TrackFrames(convID string, role signal.Role) map[string]uint64 {
	sess := c.session(convID)
	if sess == nil {
		return nil
	}
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	pl, ok := sess.links[role]
	if !ok {
		return nil
	}
	frames := make(map[string]uint64, len(pl.mixers))
	for name, m := range pl.mixers {
		frames[name] = m.Frames()
	}
	return frames
}

// Link exposes a role's negotiator for inspection (tests, status endpoints).
func (c *Controller) Link(convID string, role signal.Role) *Negotiator {
	sess := c.session(convID)
	if sess == nil {
		return nil
	}
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if pl, ok := sess.links[role]; ok {
		return pl.neg
	}
	return nil
}
