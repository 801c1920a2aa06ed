package ports

import (
	"context"
	"time"

	"meetmesh/internal/core/domain"
)

// TransportState is the lifecycle state of the signaling channel.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportClosed       TransportState = "closed"
)

// SignalingTransport is the bidirectional message channel carrying
// signaling envelopes. Send never panics on a closed channel; it reports
// the failure through its error return. Reconnection happens inside the
// adapter; re-announcing presence after a reconnect is the caller's job.
type SignalingTransport interface {
	Connect(ctx context.Context) error
	Send(env domain.Envelope) error
	OnMessage(handler func(domain.Envelope))
	OnStateChange(handler func(TransportState))
	Close() error
}

// CredentialProvider hands out ICE server configurations backed by rotating
// TURN credentials, falling back to STUN-only when the relay API is down.
type CredentialProvider interface {
	ICEServers(ctx context.Context) []domain.ICEServer
	Validate(username string, now time.Time) bool
}

// AudioContext is a native audio-processing context handle.
type AudioContext interface {
	ID() string
	Config() domain.AudioConfig
	Close() error
}

// AudioPool is the bounded, reference-counted audio context pool.
type AudioPool interface {
	Acquire(cfg domain.AudioConfig) (AudioContext, error)
	Release(id string)
}

// MetricsSink receives orchestration events for export. Implemented by the
// Prometheus collector; tests plug in a no-op.
type MetricsSink interface {
	RecordOfferSent()
	RecordAnswerSent()
	RecordRecovery(tier string)
	RecordPeerFailed()
	RecordNegotiationDuration(d time.Duration)
	SetActivePeers(n int)
	SetPooledContexts(n int)
	RecordSampledRTT(rtt time.Duration)
}
