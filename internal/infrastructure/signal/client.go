package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/config"
	"meetmesh/pkg/retry"
	"meetmesh/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the websocket signaling transport. It owns the connection
// lifecycle: dialing, keepalive pings, reconnection with backoff, and
// delivery of inbound envelopes to the registered handler. Callers observe
// lifecycle transitions through OnStateChange and re-announce presence
// themselves after a reconnect.
type Client struct {
	url   string
	token string

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	reconnectCfg retry.Config

	limiter *rate.Limiter

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ports.TransportState
	closed       bool
	cancelReader context.CancelFunc

	handlerMu    sync.RWMutex
	msgHandler   func(domain.Envelope)
	stateHandler func(ports.TransportState)

	logger *zap.SugaredLogger
}

func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		url:          cfg.Signaling.URL,
		token:        cfg.Signaling.Token,
		pingInterval: cfg.Signaling.PingInterval,
		pongTimeout:  cfg.Signaling.PongTimeout,
		writeTimeout: cfg.Signaling.WriteTimeout,
		reconnectCfg: retry.Config{
			MaxAttempts:  cfg.Signaling.ReconnectAttempts,
			InitialDelay: cfg.Signaling.ReconnectBaseWait,
			MaxDelay:     cfg.Signaling.ReconnectMaxWait,
			Multiplier:   2.0,
			Jitter:       true,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.Signaling.MessagesPerSecond), cfg.Signaling.Burst),
		state:   ports.TransportClosed,
		logger:  logger.Sugar(),
	}
}

// OnMessage registers the inbound envelope handler. Must be called before
// Connect; later registrations replace the previous handler.
func (c *Client) OnMessage(handler func(domain.Envelope)) {
	c.handlerMu.Lock()
	c.msgHandler = handler
	c.handlerMu.Unlock()
}

// OnStateChange registers the transport lifecycle handler.
func (c *Client) OnStateChange(handler func(ports.TransportState)) {
	c.handlerMu.Lock()
	c.stateHandler = handler
	c.handlerMu.Unlock()
}

// Connect dials the signaling endpoint and starts the read and keepalive
// loops. Calling Connect on an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return domain.ErrTransportClosed
	}
	c.mu.Unlock()

	c.setState(ports.TransportConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(ports.TransportClosed)
		return fmt.Errorf("failed to connect signaling transport: %w", err)
	}

	c.startSession(conn)
	c.logger.Infow("signaling transport connected", "url", c.url)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// startSession installs a live connection and spawns its loops.
func (c *Client) startSession(conn *websocket.Conn) {
	readerCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancelReader = cancel
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	c.setState(ports.TransportConnected)

	go c.readLoop(readerCtx, conn)
	go c.pingLoop(readerCtx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warnw("signaling read failed", "error", err)
			c.handleDisconnect(conn)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding malformed signaling frame", "error", err, "bytes", len(data))
			continue
		}

		c.handlerMu.RLock()
		handler := c.msgHandler
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl is safe concurrently with Send's data writes;
			// a data write here would race the frame stream.
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			if err != nil {
				c.logger.Debugw("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// handleDisconnect tears down the dead connection and drives the
// reconnection loop with exponential backoff. An expired auth token stops
// reconnection immediately; retrying with dead credentials only burns the
// backoff budget.
func (c *Client) handleDisconnect(dead *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != dead {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancelReader != nil {
		c.cancelReader()
		c.cancelReader = nil
	}
	c.mu.Unlock()
	dead.Close()

	if err := c.checkTokenFreshness(); err != nil {
		c.logger.Errorw("not reconnecting signaling transport", "error", err)
		c.setState(ports.TransportClosed)
		return
	}

	c.setState(ports.TransportReconnecting)

	conn, err := retry.DoWithResult(context.Background(), c.reconnectCfg, func() (*websocket.Conn, error) {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, domain.ErrTransportClosed
		}
		return c.dial(context.Background())
	})
	if err != nil {
		c.logger.Errorw("signaling reconnection exhausted", "error", err)
		c.setState(ports.TransportClosed)
		return
	}

	c.startSession(conn)
	c.logger.Infow("signaling transport reconnected", "url", c.url)
}

// checkTokenFreshness inspects the bearer token's exp claim without
// verifying the signature; verification is the server's job, we only need
// to know whether presenting it again is futile.
func (c *Client) checkTokenFreshness() error {
	if c.token == "" {
		return nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.token, claims); err != nil {
		// Opaque tokens are passed through untouched.
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("bearer token expired at %s: %w", exp.Format(time.RFC3339), domain.ErrTokenExpired)
	}
	c.logger.Debugw("bearer token still valid",
		"remaining", utils.FormatDuration(utils.TimeUntilExpiry(exp.Time, 0)))
	return nil
}

// Send marshals and writes an envelope. Outbound messages are rate limited;
// Send blocks until the limiter admits the message or the write deadline
// budget is spent.
func (c *Client) Send(env domain.Envelope) error {
	waitCtx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("outbound rate limit: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("send %s: %w", env.Type, domain.ErrTransportClosed)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Close shuts the transport down permanently. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.cancelReader != nil {
		c.cancelReader()
		c.cancelReader = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.setState(ports.TransportClosed)
	c.logger.Info("signaling transport closed")
	return nil
}

func (c *Client) setState(state ports.TransportState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.handlerMu.RLock()
	handler := c.stateHandler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(state)
	}
}

// State returns the current transport lifecycle state.
func (c *Client) State() ports.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
