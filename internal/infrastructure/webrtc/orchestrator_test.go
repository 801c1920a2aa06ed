package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/internal/infrastructure/monitoring"
	"meetmesh/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu           sync.Mutex
	sent         []domain.Envelope
	msgHandler   func(domain.Envelope)
	stateHandler func(ports.TransportState)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	return nil
}

func (f *fakeTransport) Send(env domain.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) OnMessage(h func(domain.Envelope)) { f.msgHandler = h }

func (f *fakeTransport) OnStateChange(h func(ports.TransportState)) { f.stateHandler = h }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentOfType(t domain.EnvelopeType) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeCreds struct{}

func (fakeCreds) ICEServers(ctx context.Context) []domain.ICEServer {
	return []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func (fakeCreds) Validate(username string, now time.Time) bool { return true }

// slowCreds blocks the first ICEServers call until gate is closed, modeling
// a cold credential refresh stuck on HTTP.
type slowCreds struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *slowCreds) ICEServers(ctx context.Context) []domain.ICEServer {
	s.once.Do(func() {
		close(s.started)
		<-s.gate
	})
	return []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func (s *slowCreds) Validate(username string, now time.Time) bool { return true }

type fakeConn struct {
	mu           sync.Mutex
	id           int
	state        ports.ConnectionState
	remoteDesc   *domain.SessionDescription
	applied      []domain.ICECandidatePayload
	offers       int
	restarts     int
	closed       bool
	candHandler  func(domain.ICECandidatePayload)
	stateHandler func(ports.ConnectionState)

	failSetRemote      bool
	failNextCandidates int
}

func validSDP(tag string) string {
	return fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", tag)
}

func (c *fakeConn) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	if iceRestart {
		c.restarts++
	}
	return domain.SessionDescription{Type: "offer", SDP: validSDP(fmt.Sprintf("offer-%d-%d", c.id, c.offers))}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: validSDP(fmt.Sprintf("answer-%d", c.id))}, nil
}

func (c *fakeConn) SetLocalDescription(desc domain.SessionDescription) error { return nil }

func (c *fakeConn) SetRemoteDescription(desc domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSetRemote {
		return domain.ErrNegotiationFailed
	}
	c.remoteDesc = &desc
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) AddICECandidate(cand domain.ICECandidatePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNextCandidates > 0 {
		c.failNextCandidates--
		return domain.ErrNegotiationFailed
	}
	c.applied = append(c.applied, cand)
	return nil
}

func (c *fakeConn) AddLocalTrack(kind, id, streamID string) (ports.RTPWriter, error) {
	return nil, nil
}

func (c *fakeConn) OnICECandidate(h func(domain.ICECandidatePayload)) { c.candHandler = h }
func (c *fakeConn) OnStateChange(h func(ports.ConnectionState))       { c.stateHandler = h }

func (c *fakeConn) State() ports.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return ports.ConnNew
	}
	return c.state
}

func (c *fakeConn) Stats(ctx context.Context) (domain.QualitySample, error) {
	return domain.QualitySample{RTT: 50 * time.Millisecond, Bandwidth: 2500, Timestamp: time.Now()}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext bool
}

func (f *fakeFactory) NewConnection(servers []domain.ICEServer) (ports.NativeConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, domain.ErrNegotiationFailed
	}
	conn := &fakeConn{id: len(f.conns) + 1}
	f.conns = append(f.conns, conn)
	return conn, nil
}

type fakeMedia struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (m *fakeMedia) Attach(conn ports.NativeConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached++
	return nil
}

func (m *fakeMedia) Detach(conn ports.NativeConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached++
}

type fakeAudioCtx struct{ id string }

func (c *fakeAudioCtx) ID() string                 { return c.id }
func (c *fakeAudioCtx) Config() domain.AudioConfig { return domain.AudioConfig{} }
func (c *fakeAudioCtx) Close() error               { return nil }

type fakePool struct {
	mu        sync.Mutex
	acquired  int
	released  []string
	exhausted bool
}

func (p *fakePool) Acquire(cfg domain.AudioConfig) (ports.AudioContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted {
		return nil, domain.ErrPoolExhausted
	}
	p.acquired++
	return &fakeAudioCtx{id: fmt.Sprintf("ctx-%d", p.acquired)}, nil
}

func (p *fakePool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
}

type testHarness struct {
	orch      *Orchestrator
	transport *fakeTransport
	factory   *fakeFactory
	media     *fakeMedia
	pool      *fakePool
	buffer    *CandidateBuffer
	bus       *events.Bus
}

func newHarness(t *testing.T, localID domain.PeerID) *testHarness {
	return newHarnessWithCreds(t, localID, fakeCreds{})
}

func newHarnessWithCreds(t *testing.T, localID domain.PeerID, creds ports.CredentialProvider) *testHarness {
	logger := zaptest.NewLogger(t)

	h := &testHarness{
		transport: &fakeTransport{},
		factory:   &fakeFactory{},
		media:     &fakeMedia{},
		pool:      &fakePool{},
		buffer:    NewCandidateBuffer(logger),
		bus:       events.NewBus(),
	}

	h.orch = NewOrchestrator(OrchestratorConfig{
		LocalPeerID:        localID,
		MeetingID:          "meeting-1",
		DisplayName:        "Test Agent",
		NegotiationTimeout: 0, // watchdog exercised by its own test
		SoftRecoveryWindow: 20 * time.Millisecond,
		RebuildBudget:      1,
		InactivityTimeout:  0,
	}, h.transport, creds, h.factory, h.media, h.pool, h.buffer, h.bus, monitoring.NopCollector{}, logger)
	return h
}

func joinEnvelope(t *testing.T, from domain.PeerID, name string) domain.Envelope {
	env, err := domain.NewEnvelope(domain.TypeJoin, "meeting-1", from, "",
		domain.JoinPayload{ParticipantID: from, Name: name, IsAuthenticated: true})
	require.NoError(t, err)
	return env
}

func offerEnvelope(t *testing.T, from domain.PeerID, sdp string) domain.Envelope {
	env, err := domain.NewEnvelope(domain.TypeOffer, "meeting-1", from, "",
		domain.OfferAnswerPayload{SDP: sdp})
	require.NoError(t, err)
	return env
}

func answerEnvelope(t *testing.T, from domain.PeerID, sdp string) domain.Envelope {
	env, err := domain.NewEnvelope(domain.TypeAnswer, "meeting-1", from, "",
		domain.OfferAnswerPayload{SDP: sdp})
	require.NoError(t, err)
	return env
}

func TestRoleAssignmentDeterminism(t *testing.T) {
	pairs := [][2]domain.PeerID{
		{"alice", "bob"},
		{"user_1", "user_2"},
		{"public_zz", "user_aa"},
		{"a", "aa"},
	}
	for _, pair := range pairs {
		left := domain.RoleFor(pair[0], pair[1])
		right := domain.RoleFor(pair[1], pair[0])
		assert.NotEqual(t, left, right, "roles for %v must be complementary", pair)
	}
}

func TestJoin_LocalIsOfferer(t *testing.T) {
	h := newHarness(t, "alice")

	h.orch.Dispatch(joinEnvelope(t, "bob", "Bob"))

	offers := h.transport.sentOfType(domain.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("bob"), offers[0].To)

	peer, err := h.orch.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOfferer, peer.Role)
	assert.Equal(t, domain.PhaseLocalOfferPending, peer.Phase)
}

func TestCleanNegotiation_OffererReachesStable(t *testing.T) {
	h := newHarness(t, "alice")

	var stable []events.Event
	h.bus.Subscribe(events.EventPeerStable, func(ev events.Event) {
		stable = append(stable, ev)
	})

	h.orch.Dispatch(joinEnvelope(t, "bob", "Bob"))
	h.orch.Dispatch(answerEnvelope(t, "bob", validSDP("bob-answer")))

	peer, err := h.orch.Peer("bob")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseStable, peer.Phase)
	require.Len(t, stable, 1)
	assert.Equal(t, "bob", stable[0].PeerID)
}

func TestInboundOffer_AnswererAnswersImmediately(t *testing.T) {
	h := newHarness(t, "bob")

	h.orch.Dispatch(offerEnvelope(t, "alice", validSDP("alice-offer")))

	answers := h.transport.sentOfType(domain.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("alice"), answers[0].To)

	peer, err := h.orch.Peer("alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAnswerer, peer.Role)
	assert.Equal(t, domain.PhaseStable, peer.Phase)
	assert.True(t, peer.Provisional)
}

func TestDuplicateOffer_SecondIsNoOp(t *testing.T) {
	h := newHarness(t, "bob")

	sdp := validSDP("alice-offer")
	h.orch.Dispatch(offerEnvelope(t, "alice", sdp))
	h.orch.Dispatch(offerEnvelope(t, "alice", sdp))

	assert.Len(t, h.transport.sentOfType(domain.TypeAnswer), 1)
	assert.Len(t, h.factory.conns, 1)
}

func TestProvisionalReconciliation_StableRebuilds(t *testing.T) {
	h := newHarness(t, "bob")

	var rebuilt []events.Event
	h.bus.Subscribe(events.EventPeerRebuilt, func(ev events.Event) {
		rebuilt = append(rebuilt, ev)
	})

	h.orch.Dispatch(offerEnvelope(t, "carol", validSDP("carol-offer")))

	peer, err := h.orch.Peer("carol")
	require.NoError(t, err)
	require.True(t, peer.Provisional)
	require.Equal(t, domain.PhaseStable, peer.Phase)

	h.orch.Dispatch(joinEnvelope(t, "carol", "Carol"))

	peer, err = h.orch.Peer("carol")
	require.NoError(t, err)
	assert.False(t, peer.Provisional)
	assert.Equal(t, "Carol", peer.DisplayName)
	require.Len(t, rebuilt, 1)
	assert.Len(t, h.factory.conns, 2, "stable provisional peer must get a fresh connection")
	assert.True(t, h.factory.conns[0].closed)
}

func TestProvisionalReconciliation_PreStableMutatesInPlace(t *testing.T) {
	h := newHarness(t, "bob")

	h.orch.Dispatch(offerEnvelope(t, "carol", validSDP("carol-offer")))

	// Force the peer out of stable to model reconciliation arriving
	// mid-negotiation.
	h.orch.mu.Lock()
	h.orch.peers["carol"].peer.Phase = domain.PhaseRemoteOfferPending
	h.orch.mu.Unlock()

	h.orch.Dispatch(joinEnvelope(t, "carol", "Carol"))

	peer, err := h.orch.Peer("carol")
	require.NoError(t, err)
	assert.False(t, peer.Provisional)
	assert.Equal(t, "Carol", peer.DisplayName)
	assert.Len(t, h.factory.conns, 1, "pre-stable reconciliation must not rebuild")
}

func TestUnexpectedAnswer_RecoversThenFailsOnce(t *testing.T) {
	h := newHarness(t, "bob")

	var mu sync.Mutex
	var failures []events.Event
	h.bus.Subscribe(events.EventPeerFailed, func(ev events.Event) {
		mu.Lock()
		failures = append(failures, ev)
		mu.Unlock()
	})

	h.orch.Dispatch(offerEnvelope(t, "alice", validSDP("alice-offer")))
	require.Equal(t, 1, h.orch.PeerCount())

	// An answer with no outstanding local offer: soft recovery first.
	h.factory.mu.Lock()
	h.factory.failNext = true // the eventual rebuild cannot get a connection
	h.factory.mu.Unlock()
	h.orch.Dispatch(answerEnvelope(t, "alice", validSDP("alice-bogus-answer")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 10*time.Millisecond, "exactly one failure event after recovery exhaustion")

	conn := h.factory.conns[0]
	conn.mu.Lock()
	restarts := conn.restarts
	conn.mu.Unlock()
	assert.GreaterOrEqual(t, restarts, 1, "soft tier must attempt an ICE restart")

	mu.Lock()
	diag, ok := failures[0].Payload.(FailureDiagnostics)
	mu.Unlock()
	require.True(t, ok)
	assert.NotEmpty(t, diag.LastPhase)
	assert.Equal(t, 0, h.orch.PeerCount())
}

func TestTeardown_ReleasesEverythingAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, "alice")

	var left []events.Event
	h.bus.Subscribe(events.EventPeerLeft, func(ev events.Event) {
		left = append(left, ev)
	})

	h.orch.Dispatch(joinEnvelope(t, "bob", "Bob"))
	h.buffer.Buffer("bob", domain.ICECandidatePayload{Candidate: "candidate:late"})

	leave, err := domain.NewEnvelope(domain.TypeLeave, "meeting-1", "bob", "",
		domain.LeavePayload{ParticipantID: "bob"})
	require.NoError(t, err)
	h.orch.Dispatch(leave)
	h.orch.Dispatch(leave) // second leave must be a no-op

	assert.Equal(t, 0, h.orch.PeerCount())
	assert.True(t, h.factory.conns[0].closed)
	assert.Equal(t, 1, h.media.detached)
	assert.Equal(t, []string{"ctx-1"}, h.pool.released)
	assert.Equal(t, 0, h.buffer.Len("bob"))
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].PeerID)
}

func TestEarlyCandidates_FlushedInArrivalOrder(t *testing.T) {
	h := newHarness(t, "bob")

	for i := 0; i < 3; i++ {
		env, err := domain.NewEnvelope(domain.TypeIceCandidate, "meeting-1", "alice", "",
			domain.ICECandidatePayload{Candidate: fmt.Sprintf("candidate:%d", i)})
		require.NoError(t, err)
		h.orch.Dispatch(env)
	}
	assert.Equal(t, 3, h.buffer.Len("alice"), "candidates before any connection are buffered")

	h.orch.Dispatch(offerEnvelope(t, "alice", validSDP("alice-offer")))

	conn := h.factory.conns[0]
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.applied, 3)
	for i, cand := range conn.applied {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), cand.Candidate)
	}
}

func TestPoolExhaustion_PeerProceedsUnpooled(t *testing.T) {
	h := newHarness(t, "alice")
	h.pool.exhausted = true

	h.orch.Dispatch(joinEnvelope(t, "bob", "Bob"))

	assert.Equal(t, 1, h.orch.PeerCount(), "pool exhaustion must not block the connection")
}

func TestUnknownEnvelopeType_RelayedUntouched(t *testing.T) {
	h := newHarness(t, "alice")

	var relayed []events.Event
	h.bus.Subscribe(events.EventRelayMessage, func(ev events.Event) {
		relayed = append(relayed, ev)
	})

	env, err := domain.NewEnvelope("chat-message", "meeting-1", "bob", "",
		map[string]string{"text": "hello"})
	require.NoError(t, err)
	h.orch.Dispatch(env)

	require.Len(t, relayed, 1)
	payload, ok := relayed[0].Payload.(domain.Envelope)
	require.True(t, ok)
	assert.Equal(t, domain.EnvelopeType("chat-message"), payload.Type)
	assert.JSONEq(t, `{"text":"hello"}`, string(payload.Data))
}

func TestNegotiationWatchdog_UnansweredOfferEntersRecovery(t *testing.T) {
	h := newHarness(t, "alice")
	h.orch.cfg.NegotiationTimeout = 25 * time.Millisecond

	var mu sync.Mutex
	var failures []events.Event
	h.bus.Subscribe(events.EventPeerFailed, func(ev events.Event) {
		mu.Lock()
		failures = append(failures, ev)
		mu.Unlock()
	})

	// Bob never answers; the watchdog must hand the exchange to recovery,
	// which exhausts its budget and declares the peer failed.
	h.orch.Dispatch(joinEnvelope(t, "bob", "Bob"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn := h.factory.conns[0]
	conn.mu.Lock()
	restarts := conn.restarts
	conn.mu.Unlock()
	assert.GreaterOrEqual(t, restarts, 1, "soft tier must run before the peer fails")
	assert.Equal(t, 0, h.orch.PeerCount())
}

func candidateEnvelope(t *testing.T, from domain.PeerID, candidate string) domain.Envelope {
	env, err := domain.NewEnvelope(domain.TypeIceCandidate, "meeting-1", from, "",
		domain.ICECandidatePayload{Candidate: candidate})
	require.NoError(t, err)
	return env
}

func TestLateCandidate_JoinsRequeuedCandidates(t *testing.T) {
	h := newHarness(t, "bob")

	h.orch.Dispatch(offerEnvelope(t, "alice", validSDP("alice-offer")))
	conn := h.factory.conns[0]

	// candidate:0 is rejected on direct apply and lands in the queue.
	conn.mu.Lock()
	conn.failNextCandidates = 1
	conn.mu.Unlock()
	h.orch.Dispatch(candidateEnvelope(t, "alice", "candidate:0"))
	require.Equal(t, 1, h.buffer.Len("alice"))

	// candidate:1 arrives while the connection still rejects; the retry of
	// candidate:0 fails and both stay queued.
	conn.mu.Lock()
	conn.failNextCandidates = 1
	conn.mu.Unlock()
	h.orch.Dispatch(candidateEnvelope(t, "alice", "candidate:1"))
	require.Equal(t, 2, h.buffer.Len("alice"))

	// Once the connection accepts again, candidate:2 must not jump ahead of
	// the two queued before it.
	h.orch.Dispatch(candidateEnvelope(t, "alice", "candidate:2"))
	assert.Equal(t, 0, h.buffer.Len("alice"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.applied, 3)
	for i, cand := range conn.applied {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), cand.Candidate)
	}
}

func TestDispatch_CandidateNotBlockedByCredentialFetch(t *testing.T) {
	creds := &slowCreds{started: make(chan struct{}), gate: make(chan struct{})}
	h := newHarnessWithCreds(t, "alice", creds)

	join := joinEnvelope(t, "bob", "Bob")
	early := candidateEnvelope(t, "carol", "candidate:early")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Dispatch(join)
	}()
	<-creds.started

	// Candidate envelopes need no ICE servers; routing one must not wait
	// for the join's in-flight credential fetch.
	h.orch.Dispatch(early)
	assert.Equal(t, 1, h.buffer.Len("carol"))

	close(creds.gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("join dispatch did not finish after the credential fetch unblocked")
	}
	assert.Equal(t, 1, h.orch.PeerCount())
}

func TestDispatch_DropsMalformedSender(t *testing.T) {
	h := newHarness(t, "alice")

	env := joinEnvelope(t, domain.PeerID(strings.Repeat("x", 101)), "Mallory")
	h.orch.Dispatch(env)

	assert.Equal(t, 0, h.orch.PeerCount())
}

func TestDispatch_IgnoresSelfAndOtherMeetings(t *testing.T) {
	h := newHarness(t, "alice")

	self := joinEnvelope(t, "alice", "Alice")
	h.orch.Dispatch(self)

	other := joinEnvelope(t, "bob", "Bob")
	other.MeetingID = "meeting-2"
	h.orch.Dispatch(other)

	addressed := joinEnvelope(t, "bob", "Bob")
	addressed.To = "someone-else"
	h.orch.Dispatch(addressed)

	assert.Equal(t, 0, h.orch.PeerCount())
}
