package ice

import (
	"context"
	"fmt"
	"sync"

	"meetmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ProbeResult is the outcome of a connectivity probe: the best class of
// candidate that gathering produced and every candidate type observed.
type ProbeResult struct {
	Class          domain.ConnectivityClass
	CandidateTypes []string
}

// TestConnectivity stands up a throwaway peer connection against the given
// ICE servers and classifies the network by the candidate types gathered.
// It never exchanges media; a data channel is enough to trigger gathering.
func TestConnectivity(ctx context.Context, servers []domain.ICEServer, logger *zap.Logger) (ProbeResult, error) {
	log := logger.Sugar()

	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return ProbeResult{Class: domain.ConnectivityFailed}, fmt.Errorf("create probe connection: %w", err)
	}
	defer pc.Close()

	var mu sync.Mutex
	types := make(map[string]struct{})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		mu.Lock()
		types[c.Typ.String()] = struct{}{}
		mu.Unlock()
		log.Debugw("probe gathered candidate", "type", c.Typ.String(), "address", c.Address)
	})

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		return ProbeResult{Class: domain.ConnectivityFailed}, fmt.Errorf("create probe channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return ProbeResult{Class: domain.ConnectivityFailed}, fmt.Errorf("create probe offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return ProbeResult{Class: domain.ConnectivityFailed}, fmt.Errorf("set probe description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		log.Warnw("probe gathering cut short", "error", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()

	result := ProbeResult{Class: classify(types)}
	for t := range types {
		result.CandidateTypes = append(result.CandidateTypes, t)
	}
	return result, nil
}

// classify picks the best connectivity class the gathered candidates allow.
func classify(types map[string]struct{}) domain.ConnectivityClass {
	if _, ok := types["host"]; ok {
		return domain.ConnectivityDirect
	}
	if _, ok := types["srflx"]; ok {
		return domain.ConnectivityNATTraversed
	}
	if _, ok := types["relay"]; ok {
		return domain.ConnectivityRelayed
	}
	return domain.ConnectivityFailed
}
