package webrtc

import (
	"sync"

	"meetmesh/internal/core/domain"

	"go.uber.org/zap"
)

// CandidateBuffer holds ICE candidates that arrive before the peer
// connection they belong to has a remote description. Candidates flush in
// arrival order; a candidate the connection rejects goes back to the front
// of its queue rather than being dropped.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending map[domain.PeerID][]domain.ICECandidatePayload

	logger *zap.SugaredLogger
}

func NewCandidateBuffer(logger *zap.Logger) *CandidateBuffer {
	return &CandidateBuffer{
		pending: make(map[domain.PeerID][]domain.ICECandidatePayload),
		logger:  logger.Sugar(),
	}
}

// Buffer queues a candidate for a peer.
func (b *CandidateBuffer) Buffer(peerID domain.PeerID, cand domain.ICECandidatePayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[peerID] = append(b.pending[peerID], cand)
	b.logger.Debugw("buffered early candidate",
		"peer_id", peerID, "queued", len(b.pending[peerID]))
}

// Flush applies every queued candidate for the peer in arrival order. When
// apply fails, the failed candidate and everything behind it are requeued
// so a later flush retries them in the same order.
func (b *CandidateBuffer) Flush(peerID domain.PeerID, apply func(domain.ICECandidatePayload) error) error {
	b.mu.Lock()
	queue := b.pending[peerID]
	delete(b.pending, peerID)
	b.mu.Unlock()

	for i, cand := range queue {
		if err := apply(cand); err != nil {
			b.mu.Lock()
			b.pending[peerID] = append(queue[i:], b.pending[peerID]...)
			b.mu.Unlock()

			b.logger.Warnw("candidate flush interrupted, requeued remainder",
				"peer_id", peerID, "applied", i, "requeued", len(queue)-i, "error", err)
			return err
		}
	}

	if len(queue) > 0 {
		b.logger.Debugw("flushed buffered candidates", "peer_id", peerID, "count", len(queue))
	}
	return nil
}

// Purge drops every queued candidate for a peer. Called on teardown.
func (b *CandidateBuffer) Purge(peerID domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.pending[peerID]); n > 0 {
		b.logger.Debugw("purged buffered candidates", "peer_id", peerID, "count", n)
	}
	delete(b.pending, peerID)
}

// Len reports how many candidates are queued for a peer.
func (b *CandidateBuffer) Len(peerID domain.PeerID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peerID])
}
