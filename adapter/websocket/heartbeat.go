package websocket

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
)

// startHeartbeatLocked clears any previous heartbeat timers and schedules
// the first ping of a new cycle
func (c *Client) startHeartbeatLocked(epoch uint64) {
	c.stopHeartbeatLocked()
	c.heartbeatTimer = c.clock.AfterFunc(c.config.HeartbeatInterval, func() { c.sendPing(epoch) })
}

func (c *Client) stopHeartbeatLocked() {
	stopTimer(&c.heartbeatTimer)
	stopTimer(&c.pongTimeoutTimer)
}

// sendPing writes one ping, arms the pong timeout and schedules the next ping
func (c *Client) sendPing(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	now := c.clock.Now()
	// An unanswered earlier ping keeps its deadline
	if c.pongTimeoutTimer == nil {
		c.pongTimeoutTimer = c.clock.AfterFunc(c.config.HeartbeatTimeout, func() { c.onPongTimeout(epoch) })
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.config.HeartbeatInterval, func() { c.sendPing(epoch) })
	c.mu.Unlock()

	payload, err := json.Marshal(pingFrame{Type: msgPing, Timestamp: now.UnixMilli()})
	if err != nil {
		c.logger.Error("Failed to encode ping", "function", "sendPing", "error", err)
		return
	}
	if err := c.write(context.Background(), conn, payload); err != nil {
		c.logger.Warn("Ping write failed",
			"function", "sendPing",
			"error", err)
		c.handleClose(epoch, websocket.CloseAbnormalClosure, err.Error())
	}
}

// onPong disarms the pending pong timeout of epoch
func (c *Client) onPong(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	stopTimer(&c.pongTimeoutTimer)
}

// onPongTimeout treats a missing pong as a dead connection
func (c *Client) onPongTimeout(epoch uint64) {
	if !c.isCurrent(epoch) {
		return
	}
	c.logger.Warn("No pong within heartbeat timeout, closing connection",
		"function", "onPongTimeout",
		"timeout", c.config.HeartbeatTimeout)
	c.handleClose(epoch, websocket.CloseAbnormalClosure, "heartbeat timeout")
}
