package ice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/pkg/circuitbreaker"
	"meetmesh/pkg/config"
	"meetmesh/pkg/retry"
	"meetmesh/pkg/utils"

	"go.uber.org/zap"
)

// Manager caches a single live TURN credential fetched from the credential
// REST collaborator and rotates it before expiry. When the collaborator is
// unreachable the manager degrades to STUN-only server lists instead of
// failing; relayed paths come back on the next successful refresh.
type Manager struct {
	apiURL        string
	sharedSecret  string
	ttl           time.Duration
	refreshBuffer time.Duration
	fallbackSTUN  []string

	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retryCfg   retry.Config

	mu         sync.RWMutex
	credential *domain.RelayCredential

	stopCh  chan struct{}
	stopped sync.Once

	logger *zap.SugaredLogger
}

type credentialRequest struct {
	TTLSeconds int64 `json:"ttl"`
}

type credentialResponse struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URLs     []string `json:"urls"`
}

func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		apiURL:        cfg.Turn.APIURL,
		sharedSecret:  cfg.Turn.SharedSecret,
		ttl:           cfg.Turn.TTL,
		refreshBuffer: cfg.Turn.RefreshBuffer,
		fallbackSTUN:  cfg.WebRTC.FallbackSTUN,
		httpClient:    &http.Client{Timeout: cfg.Turn.RequestTimeout},
		breaker:       circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retryCfg:      retry.DefaultConfig(),
		stopCh:        make(chan struct{}),
		logger:        logger.Sugar(),
	}
}

// Start kicks off the background rotation loop. The first refresh happens
// lazily on the first ICEServers call, so a dead credential API does not
// block startup.
func (m *Manager) Start() {
	go m.rotationLoop()
}

// Stop terminates the rotation loop.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// ICEServers returns the ICE server list for a new peer connection: the
// cached TURN credential plus STUN fallbacks, or STUN-only when no fresh
// credential can be obtained.
func (m *Manager) ICEServers(ctx context.Context) []domain.ICEServer {
	cred := m.freshCredential(ctx)

	servers := []domain.ICEServer{{URLs: m.fallbackSTUN}}
	if cred != nil {
		servers = append(servers, domain.ICEServer{
			URLs:       cred.RelayURLs,
			Username:   cred.Username,
			Credential: cred.Password,
		})
	}
	return servers
}

// Validate checks that a credential username is still within its encoded
// lifetime, honoring the refresh buffer.
func (m *Manager) Validate(username string, now time.Time) bool {
	expiry, err := domain.DecodeCredentialExpiry(username)
	if err != nil {
		return false
	}
	return now.Add(m.refreshBuffer).Before(expiry)
}

// freshCredential returns the cached credential, refreshing synchronously
// when missing or near expiry. Returns nil when refresh fails; callers
// degrade to STUN-only.
func (m *Manager) freshCredential(ctx context.Context) *domain.RelayCredential {
	m.mu.RLock()
	cred := m.credential
	m.mu.RUnlock()

	if cred != nil && !cred.Expired(time.Now(), m.refreshBuffer) {
		return cred
	}

	if err := m.refresh(ctx); err != nil {
		m.logger.Warnw("TURN credential refresh failed, degrading to STUN-only", "error", err)
		return nil
	}

	m.mu.RLock()
	cred = m.credential
	m.mu.RUnlock()

	// A credential that is already inside the renewal window when issued is
	// never handed out.
	if cred != nil && cred.Expired(time.Now(), m.refreshBuffer) {
		m.logger.Warnw("issued credential already within expiry buffer",
			"username", cred.Username, "error", domain.ErrCredentialExpired)
		return nil
	}
	return cred
}

// refresh fetches a new credential from the REST collaborator, guarded by
// the circuit breaker so a dead API fails fast instead of stalling every
// new peer connection on HTTP timeouts.
func (m *Manager) refresh(ctx context.Context) error {
	return retry.Do(ctx, m.retryCfg, func() error {
		return m.breaker.Execute(func() error {
			cred, err := m.fetch(ctx)
			if err != nil {
				return err
			}

			if m.sharedSecret != "" && !verifyHMAC(cred.Username, cred.Password, m.sharedSecret) {
				return fmt.Errorf("credential for %q failed HMAC self-check: %w",
					cred.Username, domain.ErrCredentialUnavailable)
			}

			m.mu.Lock()
			m.credential = cred
			m.mu.Unlock()

			m.logger.Infow("TURN credential rotated",
				"username", cred.Username,
				"expires_at", cred.ExpiresAt().Format(time.RFC3339),
				"relay_urls", len(cred.RelayURLs))
			return nil
		})
	})
}

func (m *Manager) fetch(ctx context.Context) (*domain.RelayCredential, error) {
	body, err := json.Marshal(credentialRequest{TTLSeconds: int64(m.ttl.Seconds())})
	if err != nil {
		return nil, fmt.Errorf("marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.apiURL+"/turn/credentials", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", utils.GenerateRequestID())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential API returned status %d: %w",
			resp.StatusCode, domain.ErrCredentialUnavailable)
	}

	var cr credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode credential response: %w", err)
	}
	if cr.Username == "" || cr.Password == "" {
		return nil, fmt.Errorf("credential response missing fields: %w", domain.ErrCredentialUnavailable)
	}

	return &domain.RelayCredential{
		Username:  cr.Username,
		Password:  cr.Password,
		TTL:       time.Duration(cr.TTL) * time.Second,
		RelayURLs: cr.URLs,
		IssuedAt:  time.Now(),
	}, nil
}

// ServerList fetches the collaborator's published ICE server list from
// GET /turn/ice-servers. Diagnostics use it to probe exactly what the
// backend hands browsers; peer connections assemble their list locally
// through ICEServers.
func (m *Manager) ServerList(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/turn/ice-servers", nil)
	if err != nil {
		return nil, fmt.Errorf("build ice-servers request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ice-servers API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice-servers API returned status %d: %w",
			resp.StatusCode, domain.ErrCredentialUnavailable)
	}

	var out struct {
		ICEServers []domain.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ice-servers response: %w", err)
	}
	if len(out.ICEServers) == 0 {
		return nil, fmt.Errorf("ice-servers response empty: %w", domain.ErrCredentialUnavailable)
	}
	return out.ICEServers, nil
}

// rotationWait computes the time until the next scheduled refresh. With no
// credential cached the loop polls every minute for one to appear; with a
// credential cached it fires at ttl−buffer, clamped to a short floor so a
// nearly-due rotation is never deferred a full minute.
func (m *Manager) rotationWait(cred *domain.RelayCredential) time.Duration {
	if cred == nil {
		return time.Minute
	}
	wait := time.Until(cred.ExpiresAt()) - m.refreshBuffer
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// rotationLoop refreshes the cached credential shortly before it expires.
func (m *Manager) rotationLoop() {
	for {
		m.mu.RLock()
		cred := m.credential
		m.mu.RUnlock()

		wait := m.rotationWait(cred)

		select {
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.refresh(ctx); err != nil {
			m.logger.Warnw("scheduled TURN credential rotation failed", "error", err)
		}
		cancel()
	}
}

// verifyHMAC recomputes the long-term credential password from the username
// and shared secret: base64(HMAC-SHA1(username, secret)).
func verifyHMAC(username, password, secret string) bool {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(password))
}
