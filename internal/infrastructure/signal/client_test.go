package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoHub upgrades connections and echoes every frame back, recording the
// Authorization header of each dial.
type echoHub struct {
	mu          sync.Mutex
	authHeaders []string
	conns       int
}

func (h *echoHub) handler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.authHeaders = append(h.authHeaders, r.Header.Get("Authorization"))
	h.conns++
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func clientFor(t *testing.T, serverURL, token string) *Client {
	cfg := config.DefaultConfig()
	cfg.Signaling.URL = "ws" + strings.TrimPrefix(serverURL, "http")
	cfg.Signaling.Token = token
	cfg.Signaling.PingInterval = time.Second
	cfg.Signaling.PongTimeout = 5 * time.Second
	cfg.Signaling.WriteTimeout = time.Second
	cfg.Signaling.ReconnectAttempts = 2
	cfg.Signaling.ReconnectBaseWait = 10 * time.Millisecond
	cfg.Signaling.ReconnectMaxWait = 50 * time.Millisecond
	return NewClient(cfg, zaptest.NewLogger(t))
}

func TestClient_RoundTripEnvelope(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	c := clientFor(t, srv.URL, "")
	defer c.Close()

	received := make(chan domain.Envelope, 1)
	c.OnMessage(func(env domain.Envelope) { received <- env })

	require.NoError(t, c.Connect(context.Background()))

	env, err := domain.NewEnvelope(domain.TypeOffer, "meeting-1", "alice", "bob",
		domain.OfferAnswerPayload{SDP: "v=0\r\no=- 0 0\r\ns=-\r\nt=0 0\r\n"})
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	select {
	case got := <-received:
		assert.Equal(t, domain.TypeOffer, got.Type)
		assert.Equal(t, domain.PeerID("alice"), got.From)
		assert.Equal(t, domain.PeerID("bob"), got.To)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed envelope never arrived")
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	c := clientFor(t, srv.URL, "")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Equal(t, 1, hub.conns)
}

func TestClient_BearerTokenHeader(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	c := clientFor(t, srv.URL, "opaque-token")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.authHeaders, 1)
	assert.Equal(t, "Bearer opaque-token", hub.authHeaders[0])
}

func TestClient_SendOnUnconnectedReportsError(t *testing.T) {
	c := clientFor(t, "http://127.0.0.1:1", "")

	env, err := domain.NewEnvelope(domain.TypeJoin, "meeting-1", "alice", "", nil)
	require.NoError(t, err)

	err = c.Send(env)
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestClient_StateTransitions(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	c := clientFor(t, srv.URL, "")

	var mu sync.Mutex
	var states []ports.TransportState
	c.OnStateChange(func(s ports.TransportState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, ports.TransportConnecting)
	assert.Contains(t, states, ports.TransportConnected)
	assert.Equal(t, ports.TransportClosed, states[len(states)-1])
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.mu.Lock()
		n := hub.conns
		hub.conns++
		hub.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 0 {
			// First connection is cut immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := clientFor(t, srv.URL, "")
	defer c.Close()

	reconnected := make(chan struct{}, 4)
	c.OnStateChange(func(s ports.TransportState) {
		if s == ports.TransportConnected {
			reconnected <- struct{}{}
		}
	})

	require.NoError(t, c.Connect(context.Background()))

	// First connected, then the drop, then the reconnect's connected.
	deadline := time.After(3 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-reconnected:
		case <-deadline:
			t.Fatal("transport never reconnected after server drop")
		}
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.GreaterOrEqual(t, hub.conns, 2)
}

func TestClient_ConcurrentSendsDuringKeepalive(t *testing.T) {
	hub := &echoHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	c := clientFor(t, srv.URL, "")
	c.pingInterval = time.Millisecond
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	// Pings fire on their own goroutine while senders hammer the socket;
	// every write must land intact.
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				env, err := domain.NewEnvelope(domain.TypeIceCandidate, "meeting-1",
					domain.PeerID("alice"), "bob",
					domain.ICECandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ host"})
				if err == nil {
					err = c.Send(env)
				}
				if err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent send failed: %v", err)
	}
}

func TestClient_ExpiredTokenStopsReconnection(t *testing.T) {
	// Header/payload crafted offline: {"alg":"HS256","typ":"JWT"} with
	// {"exp": 1000000000} (September 2001), signature irrelevant for
	// ParseUnverified.
	expired := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJleHAiOjEwMDAwMDAwMDB9.x"

	c := clientFor(t, "http://127.0.0.1:1", expired)
	err := c.checkTokenFreshness()
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestClient_OpaqueTokenPassesFreshnessCheck(t *testing.T) {
	c := clientFor(t, "http://127.0.0.1:1", "not-a-jwt")
	assert.NoError(t, c.checkTokenFreshness())
}
