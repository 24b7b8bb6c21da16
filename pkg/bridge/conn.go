package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/eventotech/fiscalbridge/pkg/frames"
	"github.com/eventotech/fiscalbridge/pkg/session"
)

type role int32

const (
	roleUnclassified role = iota
	roleAgent
	roleClient
)

func (r role) String() string {
	switch r {
	case roleAgent:
		return "agent"
	case roleClient:
		return "client"
	default:
		return "unclassified"
	}
}

// wsConn is one inbound websocket, agent or client or not yet known. All
// outbound traffic goes through the buffered send channel and the write
// pump, so a concurrent disconnect can never write to a closed transport.
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	role     atomic.Int32
	identity session.Identity // valid once role == roleClient

	send   chan *frames.Frame
	ctx    context.Context
	cancel context.CancelFunc

	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos
	dropped     atomic.Int32
	remote      string
}

const slowConnDropLimit = 3

func (c *wsConn) getRole() role     { return role(c.role.Load()) }
func (c *wsConn) setRole(r role)    { c.role.Store(int32(r)) }
func (c *wsConn) touch()            { c.lastSeen.Store(time.Now().UnixNano()) }
func (c *wsConn) seenAt() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// tenantKey is only meaningful for client connections.
func (c *wsConn) tenantKey() string { return c.identity.TenantKey() }

// close cancels the connection context and closes the transport. Safe to
// call more than once; the second close on the websocket is a no-op error.
func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.ws.Close(code, reason)
}

// trySend queues a frame without blocking. A full buffer means a slow
// consumer; after slowConnDropLimit drops the connection is closed rather
// than allowed to wedge the relay.
func (c *wsConn) trySend(f *frames.Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.ctx.Done():
		return false
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("relay: send buffer full, dropping frame",
			"role", c.getRole().String(), "frameType", f.Type, "dropped", n)
		if n >= slowConnDropLimit {
			c.logger.Warn("relay: disconnecting slow connection", "role", c.getRole().String())
			c.close(websocket.StatusPolicyViolation, "too many dropped frames")
		}
		return false
	}
}

// writePump drains the send channel onto the wire until the connection
// context ends.
func (c *wsConn) writePump(writeTimeout time.Duration) {
	for {
		select {
		case f := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, f)
			cancel()
			if err != nil {
				c.logger.Debug("relay: write failed, closing connection", "err", err)
				c.close(websocket.StatusAbnormalClosure, "write error")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
