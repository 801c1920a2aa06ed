package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionFactory builds native peer connections backed by pion.
type PionFactory struct {
	portMin uint16
	portMax uint16
	logger  *zap.Logger
}

func NewPionFactory(portMin, portMax uint16, logger *zap.Logger) *PionFactory {
	return &PionFactory{portMin: portMin, portMax: portMax, logger: logger}
}

func (f *PionFactory) NewConnection(servers []domain.ICEServer) (ports.NativeConnection, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	config := webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.portMin > 0 && f.portMax > 0 {
		settingEngine.SetEphemeralUDPPortRange(f.portMin, f.portMax)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	conn := &pionConnection{
		pc:     pc,
		logger: f.logger.Sugar(),
	}
	conn.install()
	return conn, nil
}

// pionConnection adapts a pion PeerConnection to the native connection
// surface the orchestrator consumes. RTCP receiver reports are drained per
// incoming track and folded into Stats alongside GetStats output.
type pionConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu            sync.Mutex
	candHandler   func(domain.ICECandidatePayload)
	stateHandler  func(ports.ConnectionState)
	lastRTCP      domain.QualitySample
	lastRTCPValid bool
}

func (c *pionConnection) install() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()

		payload := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = *init.SDPMLineIndex
		}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}

		c.mu.Lock()
		handler := c.candHandler
		c.mu.Unlock()
		if handler != nil {
			handler(payload)
		}
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		mapped := mapConnectionState(state)

		c.mu.Lock()
		handler := c.stateHandler
		c.mu.Unlock()
		if handler != nil {
			handler(mapped)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Debugw("remote track started",
			"track_id", track.ID(), "codec", track.Codec().MimeType)
		go c.drainRTCP(receiver)
		go c.drainMedia(track)
	})
}

// drainRTCP reads receiver reports and keeps the latest RTCP-derived
// quality sample for Stats to merge.
func (c *pionConnection) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}

		sample, ok := SampleFromRTCP(packets)
		if !ok {
			continue
		}

		c.mu.Lock()
		c.lastRTCP = sample
		c.lastRTCPValid = true
		c.mu.Unlock()
	}
}

// drainMedia consumes inbound RTP so the receiver's buffers never back up.
func (c *pionConnection) drainMedia(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *pionConnection) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *pionConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *pionConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConnection) AddICECandidate(cand domain.ICECandidatePayload) error {
	mlineIndex := cand.SDPMLineIndex
	mid := cand.SDPMid
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: &mlineIndex,
		SDPMid:        &mid,
	})
}

func (c *pionConnection) AddLocalTrack(kind, id, streamID string) (ports.RTPWriter, error) {
	var mime string
	switch kind {
	case "audio":
		mime = webrtc.MimeTypeOpus
	case "video":
		mime = webrtc.MimeTypeVP8
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create local %s track: %w", kind, err)
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add local %s track: %w", kind, err)
	}

	// The sender's RTCP stream must be drained or pion stalls interceptors.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return track, nil
}

func (c *pionConnection) OnICECandidate(handler func(domain.ICECandidatePayload)) {
	c.mu.Lock()
	c.candHandler = handler
	c.mu.Unlock()
}

func (c *pionConnection) OnStateChange(handler func(ports.ConnectionState)) {
	c.mu.Lock()
	c.stateHandler = handler
	c.mu.Unlock()
}

func (c *pionConnection) State() ports.ConnectionState {
	return mapConnectionState(c.pc.ConnectionState())
}

// Stats merges GetStats candidate-pair and inbound-stream figures with the
// latest RTCP receiver report.
func (c *pionConnection) Stats(ctx context.Context) (domain.QualitySample, error) {
	sample := domain.QualitySample{Timestamp: time.Now()}

	report := c.pc.GetStats()
	for _, entry := range report {
		switch s := entry.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if s.CurrentRoundTripTime > 0 {
				sample.RTT = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
			if s.AvailableOutgoingBitrate > 0 {
				sample.Bandwidth = int(s.AvailableOutgoingBitrate / 1000)
			}
		case webrtc.InboundRTPStreamStats:
			received := float64(s.PacketsReceived)
			lost := float64(s.PacketsLost)
			if received+lost > 0 {
				sample.PacketLoss = lost / (received + lost)
			}
			if s.Jitter > 0 {
				sample.Jitter = time.Duration(s.Jitter * float64(time.Second))
			}
		}
	}

	c.mu.Lock()
	if c.lastRTCPValid {
		if sample.RTT == 0 {
			sample.RTT = c.lastRTCP.RTT
		}
		if sample.PacketLoss == 0 {
			sample.PacketLoss = c.lastRTCP.PacketLoss
		}
		if sample.Jitter == 0 {
			sample.Jitter = c.lastRTCP.Jitter
		}
	}
	c.mu.Unlock()

	return sample, nil
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) ports.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ports.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ports.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.ConnFailed
	default:
		return ports.ConnClosed
	}
}

// SampleFromRTCP folds a batch of RTCP packets into one quality sample.
// Returns false when the batch carried no receiver reports.
func SampleFromRTCP(packets []rtcp.Packet) (domain.QualitySample, bool) {
	var totalLoss float64
	var totalJitter uint32
	var totalRTT time.Duration
	reports := 0
	rttReports := 0

	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			totalLoss += float64(report.FractionLost) / 255.0
			totalJitter += report.Jitter
			reports++

			if report.LastSenderReport != 0 && report.Delay != 0 {
				totalRTT += time.Duration(report.Delay) * time.Second / 65536
				rttReports++
			}
		}
	}

	if reports == 0 {
		return domain.QualitySample{}, false
	}

	sample := domain.QualitySample{
		PacketLoss: totalLoss / float64(reports),
		Jitter:     time.Duration(totalJitter/uint32(reports)) * time.Millisecond,
		Timestamp:  time.Now(),
	}
	if rttReports > 0 {
		sample.RTT = totalRTT / time.Duration(rttReports)
	}
	return sample, true
}
