// Package server manages individual push-channel connections, handling
// read/write pumps and lifecycle control for each client.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pongWait      = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeDeadline = 10 * time.Second
)

// Client is one push-channel connection. The backlog holds the frames that
// must reach the client before any live broadcast: identity assignment,
// color assignment, and the full store replay. It is written once before
// registration and drained by the write pump.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	svc      *Service
	addr     string
	identity string
	color    string
	backlog  [][]byte
	closed   bool
	limiter  *rate.Limiter
}

// NewClient wraps a websocket connection together with its assigned
// identity and color. The send channel is buffered so the hub's fan-out
// never blocks on one slow connection.
func NewClient(conn *websocket.Conn, hub *Hub, svc *Service, addr, identity, color string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      hub,
		svc:      svc,
		addr:     addr,
		identity: identity,
		color:    color,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	}
}

// Identity returns the opaque identity bound to this connection.
func (c *Client) Identity() string {
	return c.identity
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("error setting read deadline", "remote", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn("error setting read deadline in pong handler", "remote", c.addr, "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop stopped. Every read error is
// terminal for the connection.
func (c *Client) logReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		slog.Warn("inbound frame exceeded read limit", "remote", c.addr)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		slog.Info("client disconnected", "remote", c.addr, "error", err)
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		slog.Info("client connection closed", "remote", c.addr)
		return
	}

	slog.Warn("websocket read error", "remote", c.addr, "error", err)
}

// readPump consumes inbound frames until the connection drops. Mutations
// travel over the HTTP surface, so anything a client sends here is
// discarded; the pump exists to observe pongs and disconnects. A client
// pushing frames faster than the configured rate is disconnected.
func (c *Client) readPump() {
	defer func() {
		c.svc.Disconnect(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing connection in read pump", "remote", c.addr, "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			slog.Warn("dropping client for flooding the push channel", "remote", c.addr, "identity", c.identity)
			return
		}
	}
}

// writePump flushes the registration backlog, then relays frames from the
// send channel and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for _, frame := range c.backlog {
		if !c.writeFrame(frame) {
			return
		}
	}
	c.backlog = nil

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.hub.ctx.Done():
			c.writeCloseMessage()
			return
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		slog.Warn("error closing connection in write pump", "remote", c.addr, "error", err)
	}
}

// writeFrame sends a single frame. Each frame is a standalone JSON event
// envelope, so frames are never coalesced.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		slog.Warn("error setting write deadline", "remote", c.addr, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			slog.Warn("error writing frame", "remote", c.addr, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		slog.Warn("error writing close message", "remote", c.addr, "error", err)
	}
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			slog.Warn("error writing ping", "remote", c.addr, "error", err)
		}
		return false
	}
	return true
}
