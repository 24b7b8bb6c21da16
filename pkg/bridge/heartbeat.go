package bridge

import (
	"time"

	"github.com/coder/websocket"

	"github.com/eventotech/fiscalbridge/pkg/frames"
)

// heartbeatLoop is the liveness monitor. Every tick it pings each
// connection, agent and clients and unclassified sockets alike, and drops
// any whose last activity exceeds the liveness timeout. The agent runs on a
// user's desktop behind consumer networking: liveness has to be cheap and
// tolerant of brief stalls, which is why per-request deadlines live in the
// broker instead of here.
func (r *Relay) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.heartbeatTick(time.Now())
		case <-r.mainCtx.Done():
			return
		}
	}
}

func (r *Relay) heartbeatTick(now time.Time) {
	ping := frames.New(frames.TypePing)
	for _, c := range r.registry.sweep() {
		if now.Sub(c.seenAt()) > r.cfg.livenessTimeout {
			r.cfg.logger.Warn("relay: liveness timeout, closing connection",
				"role", c.getRole().String(), "lastSeen", c.seenAt())
			// Cleanup and any disconnect broadcast happen on the read
			// loop's exit path.
			c.close(websocket.StatusGoingAway, "liveness timeout")
			continue
		}
		c.trySend(ping)
	}
}
