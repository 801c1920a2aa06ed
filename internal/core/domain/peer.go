package domain

import "time"

type PeerID string

type MeetingID string

// Role determines which side of a peer pair sends the offer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// RoleFor resolves the glare race deterministically: the lexicographically
// smaller peer id is the offerer, no coordination message needed.
func RoleFor(local, remote PeerID) Role {
	if local < remote {
		return RoleOfferer
	}
	return RoleAnswerer
}

// SignalingPhase is the negotiation state of a single peer connection.
type SignalingPhase string

const (
	PhaseUninitiated        SignalingPhase = "uninitiated"
	PhaseLocalOfferPending  SignalingPhase = "local-offer-pending"
	PhaseRemoteOfferPending SignalingPhase = "remote-offer-pending"
	PhaseStable             SignalingPhase = "stable"
	PhaseRenegotiating      SignalingPhase = "renegotiating"
	PhaseClosing            SignalingPhase = "closing"
	PhaseClosed             SignalingPhase = "closed"
	PhaseFailed             SignalingPhase = "failed"
)

// AuthState tells whether the remote participant presented credentials.
type AuthState string

const (
	AuthAuthenticated AuthState = "authenticated"
	AuthAnonymous     AuthState = "anonymous"
)

// Peer is the orchestrator-owned record for one remote participant.
// The native connection handle lives next to it in the orchestrator's
// peer table; other components look peers up by ID and never own them.
type Peer struct {
	ID                   PeerID
	MeetingID            MeetingID
	DisplayName          string
	Auth                 AuthState
	Role                 Role
	Phase                SignalingPhase
	Provisional          bool
	LastOfferFingerprint string
	CreatedAt            time.Time
	LastActivityAt       time.Time
}

// Touch records activity on the peer.
func (p *Peer) Touch() {
	p.LastActivityAt = time.Now()
}
