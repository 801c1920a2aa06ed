package webrtc

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"meetmesh/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	opusClockRate     = 48000
	opusFrameDuration = 20 * time.Millisecond
	opusPayloadType   = 111
)

// opusSilence is a canonical Opus comfort-noise frame. Keeping the track
// fed with it holds the media path open when no capture device is wired.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

type mediaFeed struct {
	stop chan struct{}
}

// SilentAudioSource attaches one Opus audio track per connection and keeps
// it alive with a paced silence stream until detached. Real capture input
// replaces the payload, not the pump.
type SilentAudioSource struct {
	trackID  string
	streamID string

	mu    sync.Mutex
	feeds map[ports.NativeConnection]*mediaFeed

	logger *zap.SugaredLogger
}

func NewSilentAudioSource(trackID, streamID string, logger *zap.Logger) *SilentAudioSource {
	return &SilentAudioSource{
		trackID:  trackID,
		streamID: streamID,
		feeds:    make(map[ports.NativeConnection]*mediaFeed),
		logger:   logger.Sugar(),
	}
}

// Attach adds a local audio track to the connection and starts its pump.
func (s *SilentAudioSource) Attach(conn ports.NativeConnection) error {
	s.mu.Lock()
	if _, ok := s.feeds[conn]; ok {
		s.mu.Unlock()
		return fmt.Errorf("media source already attached")
	}
	s.mu.Unlock()

	writer, err := conn.AddLocalTrack("audio", s.trackID, s.streamID)
	if err != nil {
		return fmt.Errorf("attach audio track: %w", err)
	}

	feed := &mediaFeed{stop: make(chan struct{})}
	s.mu.Lock()
	s.feeds[conn] = feed
	s.mu.Unlock()

	go s.pump(writer, feed.stop)
	s.logger.Debugw("audio source attached", "track_id", s.trackID)
	return nil
}

// Detach stops the pump for the connection. The track itself dies with the
// connection; tracks cannot be removed from a live pion session safely.
func (s *SilentAudioSource) Detach(conn ports.NativeConnection) {
	s.mu.Lock()
	feed, ok := s.feeds[conn]
	if ok {
		delete(s.feeds, conn)
	}
	s.mu.Unlock()

	if ok {
		close(feed.stop)
		s.logger.Debugw("audio source detached", "track_id", s.trackID)
	}
}

// pump writes one silence frame per Opus frame interval, advancing the RTP
// sequence number and media clock per packet.
func (s *SilentAudioSource) pump(writer ports.RTPWriter, stop chan struct{}) {
	ssrc := rand.Uint32()
	seq := uint16(rand.Uint32())
	timestamp := rand.Uint32()
	samplesPerFrame := uint32(opusClockRate / int(time.Second/opusFrameDuration))

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    opusPayloadType,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					SSRC:           ssrc,
				},
				Payload: opusSilence,
			}
			if err := writer.WriteRTP(pkt); err != nil {
				s.logger.Debugw("audio pump stopped", "error", err)
				return
			}
			seq++
			timestamp += samplesPerFrame
		}
	}
}
