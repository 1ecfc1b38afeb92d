// Package websocket maintains a per-tenant event stream with heartbeat
// liveness checks and exponential-backoff reconnection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bjoelf/marketplace-session/adapter/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

const (
	DefaultPathTemplate         = "/ws/vendor/{tenant}/"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectMaxDelay    = 5 * time.Minute
	DefaultHandshakeTimeout     = 30 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	ErrNotConnected       = errors.New("event stream not connected")
	ErrReconnectExhausted = errors.New("event stream reconnect attempts exhausted")
	ErrConnectAborted     = errors.New("connect aborted by disconnect")
)

// Config holds the event stream settings. Zero fields take the defaults.
type Config struct {
	URL                  string
	PathTemplate         string
	BearerAuth           bool
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PathTemplate == "" {
		c.PathTemplate = DefaultPathTemplate
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
		if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
			c.ReconnectMaxDelay = c.ReconnectBaseDelay
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Option configures a Client
type Option func(*Client)

// WithClock replaces the wall clock used for heartbeat and reconnect timers
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithDialer replaces the websocket dialer, e.g. to trust a test TLS server
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

// Client is a reconnecting event stream for one tenant at a time
type Client struct {
	config Config
	tokens oauth2.TokenSource
	logger *slog.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	listeners *registry

	mu                sync.Mutex
	state             State
	tenantID          string
	connID            string
	conn              *websocket.Conn
	epoch             uint64
	manuallyClosed    bool
	reconnectAttempts int
	reconnectPolicy   backoff.BackOff

	heartbeatTimer   clock.Timer
	pongTimeoutTimer clock.Timer
	reconnectTimer   clock.Timer

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. tokens may be nil when the
// stream needs no bearer header.
func NewClient(cfg Config, tokens oauth2.TokenSource, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config: cfg.withDefaults(),
		tokens: tokens,
		logger: logger,
		clock:  clock.Real(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			HandshakeTimeout: c.config.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	c.listeners = newRegistry(logger)
	c.reconnectPolicy = newReconnectPolicy(c.config)
	return c
}

// On registers fn for event and returns an id for Off
func (c *Client) On(event Event, fn Handler) ListenerID {
	return c.listeners.on(event, fn)
}

// Off removes the registration id from event
func (c *Client) Off(event Event, id ListenerID) bool {
	return c.listeners.off(event, id)
}

// Emit delivers data to every current listener of event in registration
// order. A panicking listener is logged and skipped.
func (c *Client) Emit(event Event, data any) {
	c.listeners.emit(event, data)
}

// Subscribe registers a handler that receives the payload as T. Payloads of
// another type are dropped.
func Subscribe[T any](c *Client, event Event, fn func(T)) ListenerID {
	return c.On(event, func(data any) {
		if v, ok := data.(T); ok {
			fn(v)
		}
	})
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the reconnects scheduled since the last open
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// TenantID returns the tenant of the last Connect call
func (c *Client) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

// Connect opens the stream for tenantID. It is a no-op while a connection
// is being opened or is open. A failed dial is handled like an abnormal
// close, so reconnection is scheduled and the dial error is returned.
func (c *Client) Connect(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	switch state := c.state; state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		c.logger.Debug("Connect ignored, connection already active",
			"function", "Connect",
			"tenant_id", tenantID,
			"state", state)
		return nil
	case StateDisconnected:
		c.reconnectAttempts = 0
		c.reconnectPolicy.Reset()
	}
	c.tenantID = tenantID
	c.manuallyClosed = false
	stopTimer(&c.reconnectTimer)
	epoch := c.beginConnectLocked()
	c.mu.Unlock()

	return c.connect(ctx, epoch, tenantID)
}

// Disconnect closes the stream and cancels every pending timer before it
// returns. No reconnect happens until Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manuallyClosed = true
	c.epoch++
	c.stopHeartbeatLocked()
	stopTimer(&c.reconnectTimer)
	c.reconnectAttempts = 0
	c.reconnectPolicy.Reset()

	conn := c.conn
	c.conn = nil
	prev := c.state
	if conn != nil {
		c.state = StateClosing
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn == nil {
		if prev == StateReconnecting {
			c.logger.Info("Pending reconnect cancelled", "function", "Disconnect")
		}
		return nil
	}

	c.logger.Info("Closing event stream", "function", "Disconnect")
	err := c.closeConn(conn, websocket.CloseNormalClosure, "client disconnect")

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	connectedGauge(false)
	c.Emit(EventDisconnected, Disconnected{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
	return err
}

// Send writes v as a JSON text frame on the open connection
func (c *Client) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	conn, epoch := c.conn, c.epoch
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.write(ctx, conn, payload); err != nil {
		c.handleClose(epoch, websocket.CloseAbnormalClosure, err.Error())
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// closeConn sends a close frame and releases the socket
func (c *Client) closeConn(conn *websocket.Conn, code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		c.logger.Debug("Close frame not delivered",
			"function", "closeConn",
			"error", werr)
	}
	return cerr
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
