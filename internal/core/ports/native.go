package ports

import (
	"context"

	"meetmesh/internal/core/domain"

	"github.com/pion/rtp"
)

// ConnectionState mirrors the native peer-connection state surface.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// Terminal reports whether the state admits no further transitions.
func (s ConnectionState) Terminal() bool {
	return s == ConnFailed || s == ConnClosed
}

// RTPWriter accepts RTP packets for a local media track.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// NativeConnection is the consumed peer-connection API surface. The
// production implementation wraps a pion PeerConnection; tests substitute
// a mock. Exclusively owned by the orchestrator's peer record.
type NativeConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(cand domain.ICECandidatePayload) error
	AddLocalTrack(kind, id, streamID string) (RTPWriter, error)
	OnICECandidate(handler func(domain.ICECandidatePayload))
	OnStateChange(handler func(ConnectionState))
	State() ConnectionState
	Stats(ctx context.Context) (domain.QualitySample, error)
	Close() error
}

// ConnectionFactory builds native connections from an ICE server set.
type ConnectionFactory interface {
	NewConnection(servers []domain.ICEServer) (NativeConnection, error)
}

// MediaSource attaches local media tracks to a connection and keeps them
// fed until detached.
type MediaSource interface {
	Attach(conn NativeConnection) error
	Detach(conn NativeConnection)
}
