package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bjoelf/marketplace-session/adapter/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const messageBufferSize = 100

// newReconnectPolicy yields base, 2*base, 4*base... capped at the max delay,
// and stops after MaxReconnectAttempts delays
func newReconnectPolicy(cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(cfg.MaxReconnectAttempts))
}

// buildWebSocketURL joins the base URL and the tenant path, mapping http
// schemes onto their websocket equivalents
func buildWebSocketURL(base, pathTemplate, tenantID string) (string, error) {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid event stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid event stream url scheme %q", u.Scheme)
	}

	path := strings.ReplaceAll(pathTemplate, "{tenant}", url.PathEscape(tenantID))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return u.String() + path, nil
}

func (c *Client) dialHeaders() (http.Header, error) {
	headers := http.Header{}
	if !c.config.BearerAuth || c.tokens == nil {
		return headers, nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	headers.Set("Authorization", "Bearer "+token.AccessToken)
	return headers, nil
}

// beginConnectLocked claims the connecting state and returns the epoch of
// the new attempt. Callers hold c.mu and check the state in the same section.
func (c *Client) beginConnectLocked() uint64 {
	c.epoch++
	c.state = StateConnecting
	return c.epoch
}

// connect dials the tenant endpoint for an attempt claimed with
// beginConnectLocked. Any failure is routed through handleClose so that
// reconnection follows the same path as a dropped connection.
func (c *Client) connect(ctx context.Context, epoch uint64, tenantID string) error {

	wsURL, err := buildWebSocketURL(c.config.URL, c.config.PathTemplate, tenantID)
	if err != nil {
		c.handleClose(epoch, websocket.CloseAbnormalClosure, err.Error())
		return err
	}

	c.logger.Info("Connecting event stream",
		"function", "connect",
		"tenant_id", tenantID,
		"url", wsURL)

	headers, err := c.dialHeaders()
	if err != nil {
		c.handleClose(epoch, websocket.CloseAbnormalClosure, err.Error())
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		c.logger.Warn("Event stream dial failed",
			"function", "connect",
			"tenant_id", tenantID,
			"error", err)
		c.handleClose(epoch, websocket.CloseAbnormalClosure, err.Error())
		return fmt.Errorf("failed to connect event stream: %w", err)
	}

	connID := generateConnectionID()

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnected while the dial was in flight
		c.mu.Unlock()
		conn.Close()
		return ErrConnectAborted
	}
	c.conn = conn
	c.connID = connID
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.reconnectPolicy.Reset()
	c.startHeartbeatLocked(epoch)
	c.mu.Unlock()

	msgs := make(chan websocketMessage, messageBufferSize)
	processed := make(chan struct{})
	go c.processMessages(epoch, msgs, processed)
	go c.readMessages(epoch, conn, msgs, processed)

	connectedGauge(true)
	c.logger.Info("Event stream connected",
		"function", "connect",
		"tenant_id", tenantID,
		"conn_id", connID)
	c.Emit(EventConnected, Connected{TenantID: tenantID, ConnID: connID})
	return nil
}

// readMessages feeds frames to the processor until the socket fails, then
// waits for the backlog to drain before reporting the close
func (c *Client) readMessages(epoch uint64, conn *websocket.Conn, msgs chan<- websocketMessage, processed <-chan struct{}) {
	code, reason := websocket.CloseAbnormalClosure, ""

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"panic", r)
			reason = fmt.Sprintf("reader panic: %v", r)
		}
		close(msgs)
		<-processed
		c.handleClose(epoch, code, reason)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason = classifyReadError(err)
			if c.isCurrent(epoch) {
				c.logger.Warn("Event stream read failed",
					"function", "readMessages",
					"code", code,
					"error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text frame",
				"function", "readMessages",
				"message_type", messageType)
			continue
		}
		msgs <- websocketMessage{Data: data, ReceivedAt: c.clock.Now()}
	}
}

func (c *Client) processMessages(epoch uint64, msgs <-chan websocketMessage, processed chan<- struct{}) {
	defer close(processed)
	for msg := range msgs {
		if !c.isCurrent(epoch) {
			continue
		}
		c.handleMessage(epoch, msg)
	}
}

// classifyReadError maps a read failure onto a close code and reason
func classifyReadError(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return websocket.CloseAbnormalClosure, "read timeout"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (c *Client) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

// handleClose tears down the connection of epoch and decides whether to
// schedule a reconnect. Calls for a superseded epoch are ignored, so a
// connection is reported closed at most once.
func (c *Client) handleClose(epoch uint64, code int, reason string) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.stopHeartbeatLocked()
	stopTimer(&c.reconnectTimer)

	conn := c.conn
	c.conn = nil

	var (
		delay     time.Duration
		attempt   int
		exhausted bool
	)
	if c.manuallyClosed {
		c.state = StateDisconnected
	} else if delay = c.reconnectPolicy.NextBackOff(); delay == backoff.Stop {
		c.state = StateDisconnected
		exhausted = true
	} else {
		c.reconnectAttempts++
		attempt = c.reconnectAttempts
		c.state = StateReconnecting
		next := c.epoch
		c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(next) })
	}
	tenantID := c.tenantID
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		connectedGauge(false)
	}

	c.logger.Info("Event stream closed",
		"function", "handleClose",
		"tenant_id", tenantID,
		"code", code,
		"reason", reason)
	c.Emit(EventDisconnected, Disconnected{Code: code, Reason: reason})

	switch {
	case exhausted:
		c.logger.Error("Event stream reconnect attempts exhausted",
			"function", "handleClose",
			"tenant_id", tenantID,
			"max_attempts", c.config.MaxReconnectAttempts)
		c.Emit(EventError, ErrReconnectExhausted)
	case attempt > 0:
		metrics.ReconnectAttempts.Inc()
		c.logger.Info("Reconnect scheduled",
			"function", "handleClose",
			"tenant_id", tenantID,
			"attempt", attempt,
			"delay", delay)
		c.Emit(EventReconnecting, Reconnecting{Attempt: attempt, Delay: delay})
	}
}

// reconnect runs from the reconnect timer. It does nothing if the client
// was disconnected or reconnected since the timer was armed.
func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.manuallyClosed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	tenantID := c.tenantID
	next := c.beginConnectLocked()
	c.mu.Unlock()

	if err := c.connect(context.Background(), next, tenantID); err != nil {
		c.logger.Warn("Reconnect attempt failed",
			"function", "reconnect",
			"error", err)
	}
}

func connectedGauge(open bool) {
	if open {
		metrics.EventsConnected.Set(1)
	} else {
		metrics.EventsConnected.Set(0)
	}
}
