package webrtc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/events"
	"meetmesh/pkg/tracing"
	"meetmesh/pkg/utils"
	"meetmesh/pkg/validation"

	"go.uber.org/zap"
)

// OrchestratorConfig carries the orchestrator's identity and tunables.
type OrchestratorConfig struct {
	LocalPeerID        domain.PeerID
	MeetingID          domain.MeetingID
	DisplayName        string
	Authenticated      bool
	NegotiationTimeout time.Duration
	SoftRecoveryWindow time.Duration
	RebuildBudget      int
	InactivityTimeout  time.Duration
}

// FailureDiagnostics is the payload published with a peer.failed event.
type FailureDiagnostics struct {
	LastPhase   domain.SignalingPhase
	NativeState ports.ConnectionState
	Rebuilds    int
}

// peerState is the orchestrator-owned record for one remote participant:
// the domain peer plus every resource whose lifetime is tied to it.
type peerState struct {
	peer     *domain.Peer
	conn     ports.NativeConnection
	audioCtx ports.AudioContext

	recoveryTimer    *time.Timer
	negotiationTimer *time.Timer
	rebuilds         int
	leaveNotified    bool
	negotiationStart time.Time
}

// Orchestrator runs the per-peer signaling state machine for one meeting.
// All transitions are serialized by a single mutex: signaling messages,
// timer firings, and native callbacks each take it before touching any
// peer, so no peer's state machine ever runs concurrently with itself.
type Orchestrator struct {
	cfg OrchestratorConfig

	transport ports.SignalingTransport
	creds     ports.CredentialProvider
	factory   ports.ConnectionFactory
	media     ports.MediaSource
	pool      ports.AudioPool
	buffer    *CandidateBuffer
	bus       *events.Bus
	metrics   ports.MetricsSink

	mu         sync.Mutex
	peers      map[domain.PeerID]*peerState
	iceServers []domain.ICEServer

	stopCh  chan struct{}
	stopped sync.Once

	logger *zap.SugaredLogger
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	transport ports.SignalingTransport,
	creds ports.CredentialProvider,
	factory ports.ConnectionFactory,
	media ports.MediaSource,
	pool ports.AudioPool,
	buffer *CandidateBuffer,
	bus *events.Bus,
	metrics ports.MetricsSink,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		factory:   factory,
		media:     media,
		pool:      pool,
		buffer:    buffer,
		bus:       bus,
		metrics:   metrics,
		peers:     make(map[domain.PeerID]*peerState),
		stopCh:    make(chan struct{}),
		logger:    logger.Sugar(),
	}
}

// Start wires the orchestrator to its transport, announces presence, and
// launches the inactivity sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.transport.OnMessage(o.Dispatch)
	o.transport.OnStateChange(func(state ports.TransportState) {
		o.bus.Publish(events.Event{
			Type:      events.EventTransportChanged,
			MeetingID: string(o.cfg.MeetingID),
			Payload:   state,
		})
		// Presence does not survive the signaling server's view of a
		// dropped socket; every (re)connect re-announces.
		if state == ports.TransportConnected {
			if err := o.Announce(); err != nil {
				o.logger.Warnw("presence announcement failed", "error", err)
			}
		}
	})

	if err := o.transport.Connect(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	go o.sweepLoop()
	return nil
}

// Announce broadcasts this agent's join to the meeting.
func (o *Orchestrator) Announce() error {
	env, err := domain.NewEnvelope(domain.TypeJoin, o.cfg.MeetingID, o.cfg.LocalPeerID, "",
		domain.JoinPayload{
			ParticipantID:   o.cfg.LocalPeerID,
			Name:            o.cfg.DisplayName,
			IsAuthenticated: o.cfg.Authenticated,
		})
	if err != nil {
		return err
	}
	return o.transport.Send(env)
}

// Stop announces departure, tears down every peer, and halts the sweep.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() { close(o.stopCh) })

	if env, err := domain.NewEnvelope(domain.TypeLeave, o.cfg.MeetingID, o.cfg.LocalPeerID, "",
		domain.LeavePayload{ParticipantID: o.cfg.LocalPeerID}); err == nil {
		if err := o.transport.Send(env); err != nil {
			o.logger.Debugw("departure announcement failed", "error", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.peers {
		o.teardownLocked(id, "shutdown")
	}
}

// Dispatch routes one inbound envelope through the state machine. Messages
// from this agent, for another meeting, or addressed to a different peer
// are ignored; unknown types are relayed untouched.
func (o *Orchestrator) Dispatch(env domain.Envelope) {
	if env.From == o.cfg.LocalPeerID {
		return
	}
	if env.MeetingID != "" && env.MeetingID != o.cfg.MeetingID {
		return
	}
	if env.To != "" && env.To != o.cfg.LocalPeerID {
		return
	}
	if err := validation.ValidatePeerID(string(env.From)); err != nil {
		o.logger.Warnw("dropping envelope with malformed sender", "error", err)
		return
	}

	// Envelope types that may create or rebuild a connection need an ICE
	// server list; a cold credential refresh can block on HTTP, so the
	// snapshot is taken before the peer table lock, never under it.
	var servers []domain.ICEServer
	switch env.Type {
	case domain.TypeJoin, domain.TypeParticipantJoined, domain.TypeOffer, domain.TypeAnswer:
		servers = o.creds.ICEServers(context.Background())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if servers != nil {
		o.iceServers = servers
	}

	switch env.Type {
	case domain.TypeJoin, domain.TypeParticipantJoined:
		o.handleJoinLocked(env)
	case domain.TypeLeave, domain.TypeParticipantLeft:
		o.handleLeaveLocked(env)
	case domain.TypeOffer:
		o.handleOfferLocked(env)
	case domain.TypeAnswer:
		o.handleAnswerLocked(env)
	case domain.TypeIceCandidate:
		o.handleCandidateLocked(env)
	default:
		o.bus.Publish(events.Event{
			Type:      events.EventRelayMessage,
			PeerID:    string(env.From),
			MeetingID: string(env.MeetingID),
			Payload:   env,
		})
	}
}

func (o *Orchestrator) handleJoinLocked(env domain.Envelope) {
	var payload domain.JoinPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			o.logger.Warnw("malformed join payload", "from", env.From, "error", err)
			return
		}
	}

	id := payload.ParticipantID
	if id == "" {
		id = env.From
	}
	name := payload.Name
	if name == "" {
		name = utils.FallbackDisplayName(string(id))
	}
	auth := domain.AuthAnonymous
	if payload.IsAuthenticated {
		auth = domain.AuthAuthenticated
	}

	if ps, ok := o.peers[id]; ok {
		o.reconcileLocked(ps, name, auth)
		return
	}

	ps, err := o.createPeerLocked(id, name, auth, false)
	if err != nil {
		o.logger.Errorw("peer creation failed", "peer_id", id, "error", err)
		return
	}

	o.bus.Publish(events.Event{
		Type:      events.EventPeerJoined,
		PeerID:    string(id),
		MeetingID: string(o.cfg.MeetingID),
		Payload:   *ps.peer,
	})

	if ps.peer.Role == domain.RoleOfferer {
		if err := o.sendOfferLocked(ps, false); err != nil {
			o.logger.Warnw("initial offer failed", "peer_id", id, "error", err)
			o.recoverLocked(ps, nil)
		}
	}
}

// reconcileLocked folds a late join announcement into a peer created from
// an unexpected offer. A stable connection cannot absorb a second identity
// exchange in place, so reconciliation past stable rebuilds.
func (o *Orchestrator) reconcileLocked(ps *peerState, name string, auth domain.AuthState) {
	ps.peer.Touch()

	if !ps.peer.Provisional {
		return
	}

	ps.peer.DisplayName = name
	ps.peer.Auth = auth
	ps.peer.Provisional = false

	o.logger.Infow("provisional peer reconciled",
		"peer_id", ps.peer.ID, "name", name, "phase", ps.peer.Phase)

	if ps.peer.Phase == domain.PhaseStable {
		o.rebuildLocked(ps, nil)
	}
}

func (o *Orchestrator) handleLeaveLocked(env domain.Envelope) {
	var payload domain.LeavePayload
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}

	id := payload.ParticipantID
	if id == "" {
		id = env.From
	}
	if _, ok := o.peers[id]; !ok {
		return
	}
	o.teardownLocked(id, "leave announcement")
}

func (o *Orchestrator) handleOfferLocked(env domain.Envelope) {
	var payload domain.OfferAnswerPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		o.logger.Warnw("malformed offer payload", "from", env.From, "error", err)
		return
	}
	if err := validation.ValidateSDP(payload.SDP); err != nil {
		o.logger.Warnw("rejecting invalid offer SDP", "from", env.From, "error", err)
		return
	}

	fingerprint := sdpFingerprint(payload.SDP)

	ps, ok := o.peers[env.From]
	if !ok {
		// The remote clearly intends to talk; answer now, confirm
		// identity when the join announcement catches up.
		var err error
		ps, err = o.createPeerLocked(env.From,
			utils.FallbackDisplayName(string(env.From)), domain.AuthAnonymous, true)
		if err != nil {
			o.logger.Errorw("provisional peer creation failed", "peer_id", env.From, "error", err)
			return
		}
		o.logger.Infow("provisional peer created from unexpected offer", "peer_id", env.From)
	}

	if ps.peer.LastOfferFingerprint == fingerprint {
		o.logger.Debugw("dropping duplicate offer", "peer_id", env.From, "fingerprint", fingerprint[:12])
		return
	}

	switch ps.peer.Phase {
	case domain.PhaseUninitiated, domain.PhaseStable, domain.PhaseRemoteOfferPending:
		// acceptable
	case domain.PhaseClosing, domain.PhaseClosed, domain.PhaseFailed:
		o.logger.Warnw("offer for defunct peer ignored", "peer_id", env.From, "phase", ps.peer.Phase)
		return
	default:
		o.logger.Warnw("offer in incompatible phase",
			"peer_id", env.From, "phase", ps.peer.Phase, "error", domain.ErrInvalidSignalingState)
		o.recoverLocked(ps, &env)
		return
	}

	ps.peer.Phase = domain.PhaseRemoteOfferPending
	ps.peer.LastOfferFingerprint = fingerprint
	ps.peer.Touch()
	ps.negotiationStart = time.Now()

	if err := o.answerLocked(ps, payload.SDP); err != nil {
		o.logger.Warnw("answering offer failed", "peer_id", env.From, "error", err)
		o.recoverLocked(ps, &env)
	}
}

// answerLocked runs the answerer half of the exchange against a remote
// offer SDP.
func (o *Orchestrator) answerLocked(ps *peerState, offerSDP string) error {
	ctx, span := tracing.TraceNegotiation(context.Background(), "answer",
		string(ps.peer.ID), string(o.cfg.MeetingID))
	defer span.End()

	err := o.answerInner(ctx, ps, offerSDP)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (o *Orchestrator) answerInner(ctx context.Context, ps *peerState, offerSDP string) error {
	if err := ps.conn.SetRemoteDescription(domain.SessionDescription{Type: "offer", SDP: offerSDP}); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", domain.ErrNegotiationFailed, err)
	}

	o.flushCandidatesLocked(ps)

	answer, err := ps.conn.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := ps.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationFailed, err)
	}

	env, err := domain.NewEnvelope(domain.TypeAnswer, o.cfg.MeetingID,
		o.cfg.LocalPeerID, ps.peer.ID, domain.OfferAnswerPayload{SDP: answer.SDP})
	if err != nil {
		return err
	}
	if err := o.transport.Send(env); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	ps.peer.Phase = domain.PhaseStable
	o.metrics.RecordAnswerSent()
	o.metrics.RecordNegotiationDuration(time.Since(ps.negotiationStart))
	o.cancelRecoveryLocked(ps)

	o.logger.Infow("negotiation stable",
		"peer_id", ps.peer.ID, "role", ps.peer.Role,
		"took", utils.FormatDuration(time.Since(ps.negotiationStart)))

	o.bus.Publish(events.Event{
		Type:      events.EventPeerStable,
		PeerID:    string(ps.peer.ID),
		MeetingID: string(o.cfg.MeetingID),
	})
	return nil
}

func (o *Orchestrator) handleAnswerLocked(env domain.Envelope) {
	ps, ok := o.peers[env.From]
	if !ok {
		o.logger.Warnw("answer for unknown peer dropped", "peer_id", env.From)
		return
	}

	var payload domain.OfferAnswerPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		o.logger.Warnw("malformed answer payload", "from", env.From, "error", err)
		return
	}

	if ps.peer.Phase != domain.PhaseLocalOfferPending && ps.peer.Phase != domain.PhaseRenegotiating {
		// An answer with no outstanding local offer admits no valid
		// transition; the recovery policy decides, not the caller.
		o.logger.Warnw("answer with no outstanding offer",
			"peer_id", env.From, "phase", ps.peer.Phase, "error", domain.ErrInvalidSignalingState)
		o.recoverLocked(ps, nil)
		return
	}

	if err := validation.ValidateSDP(payload.SDP); err != nil {
		o.logger.Warnw("invalid answer SDP", "peer_id", env.From, "error", err)
		o.recoverLocked(ps, nil)
		return
	}

	if err := ps.conn.SetRemoteDescription(domain.SessionDescription{Type: "answer", SDP: payload.SDP}); err != nil {
		o.logger.Warnw("applying answer failed", "peer_id", env.From, "error", err)
		o.recoverLocked(ps, nil)
		return
	}

	ps.peer.Phase = domain.PhaseStable
	ps.peer.Touch()
	o.flushCandidatesLocked(ps)
	o.metrics.RecordNegotiationDuration(time.Since(ps.negotiationStart))
	o.cancelRecoveryLocked(ps)

	o.logger.Infow("negotiation stable",
		"peer_id", ps.peer.ID, "role", ps.peer.Role,
		"took", utils.FormatDuration(time.Since(ps.negotiationStart)))

	o.bus.Publish(events.Event{
		Type:      events.EventPeerStable,
		PeerID:    string(ps.peer.ID),
		MeetingID: string(o.cfg.MeetingID),
	})
}

func (o *Orchestrator) handleCandidateLocked(env domain.Envelope) {
	var payload domain.ICECandidatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		o.logger.Warnw("malformed candidate payload", "from", env.From, "error", err)
		return
	}
	if err := validation.ValidateCandidate(payload.Candidate); err != nil {
		o.logger.Warnw("rejecting invalid candidate", "from", env.From, "error", err)
		return
	}

	ps, ok := o.peers[env.From]
	if !ok || !ps.conn.HasRemoteDescription() {
		o.buffer.Buffer(env.From, payload)
		return
	}

	ps.peer.Touch()

	// Candidates requeued by a failed flush must apply before this one;
	// joining the queue keeps arrival order intact.
	if o.buffer.Len(env.From) > 0 {
		o.buffer.Buffer(env.From, payload)
		o.flushCandidatesLocked(ps)
		return
	}

	if err := ps.conn.AddICECandidate(payload); err != nil {
		o.logger.Debugw("candidate apply failed, buffering", "peer_id", env.From, "error", err)
		o.buffer.Buffer(env.From, payload)
	}
}

// flushCandidatesLocked drains the peer's buffered candidates now that a
// remote description exists. Failures keep the remainder queued.
func (o *Orchestrator) flushCandidatesLocked(ps *peerState) {
	err := o.buffer.Flush(ps.peer.ID, func(cand domain.ICECandidatePayload) error {
		return ps.conn.AddICECandidate(cand)
	})
	if err != nil {
		o.logger.Warnw("candidate flush incomplete", "peer_id", ps.peer.ID, "error", err)
	}
}

// createPeerLocked builds the full peer record: native connection with ICE
// servers from the credential manager, local media, and a pooled audio
// context when one is available.
func (o *Orchestrator) createPeerLocked(id domain.PeerID, name string, auth domain.AuthState, provisional bool) (*peerState, error) {
	conn, err := o.factory.NewConnection(o.iceServers)
	if err != nil {
		return nil, fmt.Errorf("native connection for %s: %w", id, err)
	}

	now := time.Now()
	ps := &peerState{
		peer: &domain.Peer{
			ID:             id,
			MeetingID:      o.cfg.MeetingID,
			DisplayName:    name,
			Auth:           auth,
			Role:           domain.RoleFor(o.cfg.LocalPeerID, id),
			Phase:          domain.PhaseUninitiated,
			Provisional:    provisional,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		conn: conn,
	}

	if err := o.media.Attach(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("attach media for %s: %w", id, err)
	}

	audioCtx, err := o.pool.Acquire(domain.AudioConfig{SampleRate: 48000, LatencyHint: "interactive"})
	switch {
	case err == nil:
		ps.audioCtx = audioCtx
	case errors.Is(err, domain.ErrPoolExhausted):
		// Proceed without a pooled context; audio processing for this
		// peer degrades rather than blocking the connection.
		o.logger.Warnw("audio pool exhausted, peer runs unpooled", "peer_id", id)
	default:
		o.logger.Warnw("audio context acquisition failed", "peer_id", id, "error", err)
	}

	o.wireConnectionLocked(ps)
	o.peers[id] = ps
	o.metrics.SetActivePeers(len(o.peers))

	o.logger.Infow("peer created",
		"peer_id", id, "role", ps.peer.Role, "provisional", provisional)
	return ps, nil
}

// wireConnectionLocked installs the native callbacks. Both run off the
// orchestrator goroutine: pion may fire them synchronously inside calls
// made while the orchestrator mutex is held.
func (o *Orchestrator) wireConnectionLocked(ps *peerState) {
	id := ps.peer.ID
	conn := ps.conn

	conn.OnICECandidate(func(cand domain.ICECandidatePayload) {
		go func() {
			env, err := domain.NewEnvelope(domain.TypeIceCandidate, o.cfg.MeetingID,
				o.cfg.LocalPeerID, id, cand)
			if err != nil {
				return
			}
			if err := o.transport.Send(env); err != nil {
				o.logger.Debugw("candidate send failed", "peer_id", id, "error", err)
			}
		}()
	})

	conn.OnStateChange(func(state ports.ConnectionState) {
		go o.onNativeState(id, conn, state)
	})
}

// onNativeState reacts to native connection transitions. Only the
// connection currently owned by the peer record may drive recovery; stale
// callbacks from a replaced connection are ignored.
func (o *Orchestrator) onNativeState(id domain.PeerID, conn ports.NativeConnection, state ports.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps, ok := o.peers[id]
	if !ok || ps.conn != conn {
		return
	}

	o.logger.Infow("native connection state", "peer_id", id, "state", state)

	switch state {
	case ports.ConnConnected:
		ps.peer.Touch()
	case ports.ConnFailed:
		o.recoverLocked(ps, nil)
	case ports.ConnDisconnected:
		// Disconnected often self-heals; the soft tier's bounded wait
		// covers the case where it does not.
		o.recoverLocked(ps, nil)
	}
}

// sendOfferLocked runs the offerer half of the exchange. iceRestart reuses
// the existing connection's transport for the soft recovery tier.
func (o *Orchestrator) sendOfferLocked(ps *peerState, iceRestart bool) error {
	ctx, span := tracing.TraceNegotiation(context.Background(), "offer",
		string(ps.peer.ID), string(o.cfg.MeetingID))
	defer span.End()

	offer, err := ps.conn.CreateOffer(ctx, iceRestart)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := ps.conn.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiationFailed, err)
	}

	env, err := domain.NewEnvelope(domain.TypeOffer, o.cfg.MeetingID,
		o.cfg.LocalPeerID, ps.peer.ID, domain.OfferAnswerPayload{SDP: offer.SDP})
	if err != nil {
		return err
	}
	if err := o.transport.Send(env); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send offer: %w", err)
	}

	if iceRestart {
		ps.peer.Phase = domain.PhaseRenegotiating
	} else {
		ps.peer.Phase = domain.PhaseLocalOfferPending
	}
	ps.negotiationStart = time.Now()
	ps.peer.Touch()
	o.metrics.RecordOfferSent()
	o.armNegotiationWatchdogLocked(ps)

	o.logger.Infow("offer sent",
		"peer_id", ps.peer.ID, "ice_restart", iceRestart, "phase", ps.peer.Phase)
	return nil
}

// armNegotiationWatchdogLocked bounds how long an outstanding offer may
// wait for its answer. The watchdog hands an overdue exchange to the
// recovery policy; it never decides the remedy itself.
func (o *Orchestrator) armNegotiationWatchdogLocked(ps *peerState) {
	if o.cfg.NegotiationTimeout <= 0 {
		return
	}
	if ps.negotiationTimer != nil {
		ps.negotiationTimer.Stop()
	}

	id := ps.peer.ID
	ps.negotiationTimer = time.AfterFunc(o.cfg.NegotiationTimeout, func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		current, ok := o.peers[id]
		if !ok || current != ps {
			return
		}
		current.negotiationTimer = nil

		switch current.peer.Phase {
		case domain.PhaseLocalOfferPending, domain.PhaseRemoteOfferPending, domain.PhaseRenegotiating:
			o.logger.Warnw("negotiation timed out",
				"peer_id", id, "phase", current.peer.Phase, "after", o.cfg.NegotiationTimeout)
			o.recoverLocked(current, nil)
		}
	})
}

// recoverLocked is the entry to the two-tier recovery policy: an ICE
// restart with a bounded wait, escalating to a full rebuild when the wait
// expires or the phase admits no soft path.
func (o *Orchestrator) recoverLocked(ps *peerState, replay *domain.Envelope) {
	if ps.peer.Phase == domain.PhaseClosing || ps.peer.Phase == domain.PhaseClosed || ps.peer.Phase == domain.PhaseFailed {
		return
	}
	if ps.recoveryTimer != nil {
		// A recovery window is already open for this peer.
		return
	}

	_, span := tracing.TraceRecovery(context.Background(), "soft", string(ps.peer.ID))
	defer span.End()

	o.metrics.RecordRecovery("soft")
	o.logger.Warnw("soft recovery: ICE restart", "peer_id", ps.peer.ID, "phase", ps.peer.Phase)

	if err := o.sendOfferLocked(ps, true); err != nil {
		o.logger.Warnw("soft recovery offer failed, escalating", "peer_id", ps.peer.ID, "error", err)
		o.rebuildLocked(ps, replay)
		return
	}

	id := ps.peer.ID
	ps.recoveryTimer = time.AfterFunc(o.cfg.SoftRecoveryWindow, func() {
		// A rebuild needs fresh ICE servers; refresh before locking.
		servers := o.creds.ICEServers(context.Background())

		o.mu.Lock()
		defer o.mu.Unlock()
		o.iceServers = servers

		current, ok := o.peers[id]
		if !ok || current != ps {
			return
		}
		current.recoveryTimer = nil

		if current.peer.Phase == domain.PhaseStable && current.conn.State() == ports.ConnConnected {
			o.logger.Infow("soft recovery succeeded", "peer_id", id)
			return
		}
		o.logger.Warnw("soft recovery window expired, rebuilding",
			"peer_id", id, "phase", current.peer.Phase, "native_state", current.conn.State())
		o.rebuildLocked(current, replay)
	})
}

// rebuildLocked is the hard tier: discard the native connection and replay
// the exchange on a fresh one. The retry budget caps how many rebuilds one
// peer may consume before it is declared failed.
func (o *Orchestrator) rebuildLocked(ps *peerState, replay *domain.Envelope) {
	o.cancelRecoveryLocked(ps)

	ps.rebuilds++
	if ps.rebuilds > o.cfg.RebuildBudget {
		o.failLocked(ps)
		return
	}

	_, span := tracing.TraceRecovery(context.Background(), "hard", string(ps.peer.ID))
	defer span.End()

	o.metrics.RecordRecovery("hard")
	o.logger.Warnw("hard recovery: rebuilding connection",
		"peer_id", ps.peer.ID, "attempt", ps.rebuilds, "budget", o.cfg.RebuildBudget)

	o.media.Detach(ps.conn)
	ps.conn.Close()

	conn, err := o.factory.NewConnection(o.iceServers)
	if err != nil {
		o.logger.Errorw("rebuild failed to create connection", "peer_id", ps.peer.ID, "error", err)
		o.failLocked(ps)
		return
	}
	ps.conn = conn
	ps.peer.Phase = domain.PhaseUninitiated
	ps.peer.LastOfferFingerprint = ""

	if err := o.media.Attach(conn); err != nil {
		o.logger.Errorw("rebuild failed to attach media", "peer_id", ps.peer.ID, "error", err)
		o.failLocked(ps)
		return
	}
	o.wireConnectionLocked(ps)

	o.bus.Publish(events.Event{
		Type:      events.EventPeerRebuilt,
		PeerID:    string(ps.peer.ID),
		MeetingID: string(o.cfg.MeetingID),
		Payload:   ps.rebuilds,
	})

	if replay != nil {
		// Re-handle the message that exposed the broken state, now
		// against a clean connection.
		env := *replay
		switch env.Type {
		case domain.TypeOffer:
			o.handleOfferLocked(env)
		case domain.TypeAnswer:
			o.handleAnswerLocked(env)
		}
		return
	}

	if ps.peer.Role == domain.RoleOfferer {
		if err := o.sendOfferLocked(ps, false); err != nil {
			o.logger.Warnw("rebuild offer failed", "peer_id", ps.peer.ID, "error", err)
			o.rebuildLocked(ps, nil)
		}
	}
}

// failLocked declares a peer unrecoverable: publish diagnostics exactly
// once, then tear down.
func (o *Orchestrator) failLocked(ps *peerState) {
	if ps.peer.Phase == domain.PhaseFailed {
		return
	}

	diag := FailureDiagnostics{
		LastPhase:   ps.peer.Phase,
		NativeState: ps.conn.State(),
		Rebuilds:    ps.rebuilds,
	}
	ps.peer.Phase = domain.PhaseFailed

	o.logger.Errorw("peer connection failed",
		"peer_id", ps.peer.ID, "last_phase", diag.LastPhase,
		"native_state", diag.NativeState, "rebuilds", diag.Rebuilds,
		"error", domain.ErrRecoveryExhausted)

	o.metrics.RecordPeerFailed()
	o.bus.Publish(events.Event{
		Type:      events.EventPeerFailed,
		PeerID:    string(ps.peer.ID),
		MeetingID: string(o.cfg.MeetingID),
		Payload:   diag,
	})

	o.teardownLocked(ps.peer.ID, "recovery exhausted")
}

// teardownLocked releases everything a peer holds and notifies subscribers
// exactly once.
func (o *Orchestrator) teardownLocked(id domain.PeerID, reason string) {
	ps, ok := o.peers[id]
	if !ok {
		return
	}

	if ps.peer.Phase != domain.PhaseFailed {
		ps.peer.Phase = domain.PhaseClosing
	}
	o.cancelRecoveryLocked(ps)

	o.media.Detach(ps.conn)
	if err := ps.conn.Close(); err != nil {
		o.logger.Debugw("native close failed", "peer_id", id, "error", err)
	}
	if ps.audioCtx != nil {
		o.pool.Release(ps.audioCtx.ID())
		ps.audioCtx = nil
	}
	o.buffer.Purge(id)

	if ps.peer.Phase != domain.PhaseFailed {
		ps.peer.Phase = domain.PhaseClosed
	}
	delete(o.peers, id)
	o.metrics.SetActivePeers(len(o.peers))

	o.logger.Infow("peer torn down", "peer_id", id, "reason", reason)

	if !ps.leaveNotified {
		ps.leaveNotified = true
		o.bus.Publish(events.Event{
			Type:      events.EventPeerLeft,
			PeerID:    string(id),
			MeetingID: string(o.cfg.MeetingID),
			Payload:   reason,
		})
	}
}

func (o *Orchestrator) cancelRecoveryLocked(ps *peerState) {
	if ps.recoveryTimer != nil {
		ps.recoveryTimer.Stop()
		ps.recoveryTimer = nil
	}
	if ps.negotiationTimer != nil {
		ps.negotiationTimer.Stop()
		ps.negotiationTimer = nil
	}
}

// sweepLoop tears down peers silent past the inactivity threshold.
func (o *Orchestrator) sweepLoop() {
	if o.cfg.InactivityTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.mu.Lock()
			cutoff := time.Now().Add(-o.cfg.InactivityTimeout)
			for id, ps := range o.peers {
				if ps.peer.LastActivityAt.Before(cutoff) {
					o.logger.Warnw("reaping inactive peer",
						"peer_id", id, "idle", utils.FormatDuration(utils.Since(ps.peer.LastActivityAt)))
					o.teardownLocked(id, "inactivity")
				}
			}
			o.mu.Unlock()
		}
	}
}

// StableConns returns the connections eligible for quality sampling: only
// peers whose signaling has reached stable.
func (o *Orchestrator) StableConns() map[domain.PeerID]ports.NativeConnection {
	o.mu.Lock()
	defer o.mu.Unlock()

	conns := make(map[domain.PeerID]ports.NativeConnection)
	for id, ps := range o.peers {
		if ps.peer.Phase == domain.PhaseStable {
			conns[id] = ps.conn
		}
	}
	return conns
}

// Peer returns a snapshot of a peer's record.
func (o *Orchestrator) Peer(id domain.PeerID) (domain.Peer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps, ok := o.peers[id]
	if !ok {
		return domain.Peer{}, domain.ErrPeerNotFound
	}
	return *ps.peer, nil
}

// PeerCount reports how many peers the orchestrator currently tracks.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

// sdpFingerprint hashes an SDP body for duplicate-offer suppression.
func sdpFingerprint(sdp string) string {
	sum := sha256.Sum256([]byte(sdp))
	return hex.EncodeToString(sum[:])
}
