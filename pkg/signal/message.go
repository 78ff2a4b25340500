package signal

import "fmt"

// Role identifies a logical participant slot in a conversation.
type Role string

const (
	// RolePrimary is the desktop peer holding the canonical session with the
	// speech model.
	RolePrimary Role = "primary"
	// RoleSecondary is the remote microphone/speaker extension.
	RoleSecondary Role = "secondary"
)

// ParseRole validates a role string from a URL path or message.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePrimary, RoleSecondary:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RolePrimary {
		return RoleSecondary
	}
	return RolePrimary
}

// Envelope is the signaling message exchanged between peers. The hub relays
// SDP and candidate payloads verbatim; it only interprets the control types.
type Envelope struct {
	Type      string `json:"type"`
	Role      Role   `json:"role,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Muted     *bool  `json:"muted,omitempty"`
}

// Registration is carried by the socket path, not by a message; these cover
// the full envelope union.
const (
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeMute       = "mute"
)

// negotiation messages carry descriptors or candidates and must never be
// dropped by a full outbound queue; everything else is control.
func isNegotiation(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}
