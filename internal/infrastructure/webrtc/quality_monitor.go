package webrtc

import (
	"context"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/internal/core/services"
	"meetmesh/pkg/events"

	"go.uber.org/zap"
)

// StableConnsFunc supplies the connections to sample: only peers whose
// signaling has reached a stable description exchange.
type StableConnsFunc func() map[domain.PeerID]ports.NativeConnection

// QualityChange is the payload published with a quality.changed event.
type QualityChange struct {
	Previous domain.QualityLevel
	Current  domain.QualityLevel
	Average  domain.QualitySample
}

// QualityMonitor samples stable peer connections on a fixed interval,
// keeps a rolling window per peer, and publishes transitions between
// quality levels. Windows live only in memory and die with the peer.
type QualityMonitor struct {
	interval   time.Duration
	windowSize int

	classifier *services.QualityClassifier
	conns      StableConnsFunc
	bus        *events.Bus
	metrics    ports.MetricsSink

	mu      sync.Mutex
	windows map[domain.PeerID][]domain.QualitySample
	levels  map[domain.PeerID]domain.QualityLevel

	stopCh  chan struct{}
	stopped sync.Once

	logger *zap.SugaredLogger
}

func NewQualityMonitor(
	interval time.Duration,
	windowSize int,
	conns StableConnsFunc,
	bus *events.Bus,
	metrics ports.MetricsSink,
	logger *zap.Logger,
) *QualityMonitor {
	return &QualityMonitor{
		interval:   interval,
		windowSize: windowSize,
		classifier: services.NewQualityClassifier(),
		conns:      conns,
		bus:        bus,
		metrics:    metrics,
		windows:    make(map[domain.PeerID][]domain.QualitySample),
		levels:     make(map[domain.PeerID]domain.QualityLevel),
		stopCh:     make(chan struct{}),
		logger:     logger.Sugar(),
	}
}

// Start launches the sampling loop.
func (m *QualityMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SampleOnce(context.Background())
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (m *QualityMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// SampleOnce polls every stable connection and updates its window.
// Exposed so tests can drive sampling without the ticker.
func (m *QualityMonitor) SampleOnce(ctx context.Context) {
	for peerID, conn := range m.conns() {
		sample, err := conn.Stats(ctx)
		if err != nil {
			m.logger.Debugw("stats poll failed", "peer_id", peerID, "error", err)
			continue
		}
		m.record(peerID, sample)
	}
}

func (m *QualityMonitor) record(peerID domain.PeerID, sample domain.QualitySample) {
	m.mu.Lock()

	window := append(m.windows[peerID], sample)
	if len(window) > m.windowSize {
		window = window[len(window)-m.windowSize:]
	}
	m.windows[peerID] = window

	previous, seen := m.levels[peerID]
	if !seen {
		previous = domain.QualityUnknown
	}
	current := m.classifier.Classify(window)
	m.levels[peerID] = current

	avg := services.Average(window)
	m.mu.Unlock()

	if m.metrics != nil && sample.RTT > 0 {
		m.metrics.RecordSampledRTT(sample.RTT)
	}

	if current == previous {
		return
	}

	if m.classifier.ShouldAlert(previous, current) {
		m.logger.Warnw("peer quality degraded",
			"peer_id", peerID, "from", previous, "to", current,
			"avg_rtt", avg.RTT, "avg_loss", avg.PacketLoss)
	} else {
		m.logger.Infow("peer quality changed",
			"peer_id", peerID, "from", previous, "to", current)
	}

	m.bus.Publish(events.Event{
		Type:   events.EventQualityChanged,
		PeerID: string(peerID),
		Payload: QualityChange{
			Previous: previous,
			Current:  current,
			Average:  avg,
		},
	})
}

// Level returns the last classified level for a peer.
func (m *QualityMonitor) Level(peerID domain.PeerID) domain.QualityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if level, ok := m.levels[peerID]; ok {
		return level
	}
	return domain.QualityUnknown
}

// Forget drops a departed peer's window and level.
func (m *QualityMonitor) Forget(peerID domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, peerID)
	delete(m.levels, peerID)
}
