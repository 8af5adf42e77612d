package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one WebSocket connection to the gateway.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex
	closed  bool

	authed bool
	name   string
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.New().String(),
		conn:   conn,
		server: server,
	}
}

// ID returns the connection's identifier.
func (c *Client) ID() string { return c.id }

// Authed reports whether the client completed the connect handshake.
func (c *Client) Authed() bool { return c.authed }

// Run reads frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "id", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			c.SendResponse(*protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.SendResponse(*protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed request"))
			continue
		}

		c.handleRequest(ctx, &req)
	}
}

func (c *Client) handleRequest(ctx context.Context, req *protocol.RequestFrame) {
	// connect and health are the only methods allowed pre-auth.
	if !c.authed && req.Method != protocol.MethodConnect && req.Method != protocol.MethodHealth {
		c.SendResponse(*protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
		return
	}

	rl := c.server.RateLimiter()
	if c.authed && rl.Enabled() && !rl.Allow(c.id) {
		c.SendResponse(*protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
		return
	}

	resp := c.server.router.Dispatch(ctx, c, req)
	if resp != nil {
		c.SendResponse(*resp)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.closed {
				c.writeMu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendResponse writes a response frame to the client.
func (c *Client) SendResponse(resp protocol.ResponseFrame) {
	c.writeJSON(resp)
}

// SendEvent writes an event frame to the client. Events are only
// delivered after the connect handshake.
func (c *Client) SendEvent(event protocol.EventFrame) {
	if !c.authed {
		return
	}
	c.writeJSON(event)
}

func (c *Client) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("client write failed", "id", c.id, "error", err)
	}
}

// Close shuts down the connection.
func (c *Client) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
