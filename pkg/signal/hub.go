package signal

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrPeerUnavailable is returned by Relay when no transport is registered for
// the addressed role. Senders drop it silently and retry on the next
// negotiation attempt.
var ErrPeerUnavailable = errors.New("no peer registered for role")

// Transport is one peer's signaling connection.
type Transport interface {
	Send(Envelope) error
	Close() error
}

// Hub routes signaling messages between the peers of a conversation. It is
// the single owner of the conversation→role→transport registry; callers never
// hold references to its internals.
type Hub struct {
	mu            sync.Mutex
	logger        *slog.Logger
	conversations map[string]map[Role]Transport
}

// NewHub returns an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:        logger.With(slog.String("component", "hub")),
		conversations: make(map[string]map[Role]Transport),
	}
}

// Attach registers a transport for (convID, role). A second attach for the
// same role supersedes the previous one: the old transport is closed and the
// conversation's other peer is told the old peer left, so it can expect
// renegotiation. Returns whether a previous registration was replaced.
func (h *Hub) Attach(convID string, role Role, t Transport) bool {
	h.mu.Lock()
	peers, ok := h.conversations[convID]
	if !ok {
		peers = make(map[Role]Transport)
		h.conversations[convID] = peers
	}
	old := peers[role]
	peers[role] = t
	other := peers[role.Other()]
	h.mu.Unlock()

	if old != nil {
		old.Close()
		h.logger.Info("peer superseded", slog.String("conversation", convID), slog.String("role", string(role)))
		if other != nil {
			other.Send(Envelope{Type: TypePeerLeft, Role: role})
		}
	}
	if other != nil {
		other.Send(Envelope{Type: TypePeerJoined, Role: role})
	}

	return old != nil
}

// Detach removes a registration, but only when t is still the transport
// registered for that role; a superseded transport detaching late is a no-op.
// The remaining peer is notified with peer-left. Returns whether the
// registration was actually removed.
func (h *Hub) Detach(convID string, role Role, t Transport) bool {
	h.mu.Lock()
	peers, ok := h.conversations[convID]
	if !ok || peers[role] != t {
		h.mu.Unlock()
		return false
	}
	delete(peers, role)
	other := peers[role.Other()]
	if len(peers) == 0 {
		delete(h.conversations, convID)
	}
	h.mu.Unlock()

	if other != nil {
		other.Send(Envelope{Type: TypePeerLeft, Role: role})
	}
	h.logger.Info("peer detached", slog.String("conversation", convID), slog.String("role", string(role)))
	return true
}

// Relay forwards an envelope verbatim to the transport currently registered
// for the destination role.
func (h *Hub) Relay(convID string, to Role, env Envelope) error {
	h.mu.Lock()
	var t Transport
	if peers, ok := h.conversations[convID]; ok {
		t = peers[to]
	}
	h.mu.Unlock()

	if t == nil {
		return ErrPeerUnavailable
	}
	return t.Send(env)
}

// Peers returns the roles currently attached for a conversation.
func (h *Hub) Peers(convID string) []Role {
	h.mu.Lock()
	defer h.mu.Unlock()

	roles := make([]Role, 0, 2)
	for role := range h.conversations[convID] {
		roles = append(roles, role)
	}
	return roles
}

// CloseConversation closes and removes every transport attached to a
// conversation. Used by session stop.
func (h *Hub) CloseConversation(convID string) {
	h.mu.Lock()
	peers := h.conversations[convID]
	delete(h.conversations, convID)
	h.mu.Unlock()

	for _, t := range peers {
		t.Close()
	}
}
