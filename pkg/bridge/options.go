package bridge

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/eventotech/fiscalbridge/pkg/eventfeed"
	"github.com/eventotech/fiscalbridge/pkg/metric"
	"github.com/eventotech/fiscalbridge/pkg/session"
)

const (
	defaultSendBuffer      = 16
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultLivenessTimeout = 35 * time.Second
	defaultStatusMaxAge    = 30 * time.Second
)

type relayConfig struct {
	logger          *slog.Logger
	masterToken     string
	sessions        session.Store
	acceptOptions   *websocket.AcceptOptions
	sendBuffer      int
	writeTimeout    time.Duration
	pingInterval    time.Duration
	livenessTimeout time.Duration
	statusMaxAge    time.Duration
	kindTimeouts    map[Kind]time.Duration
	metrics         *metric.Metrics
	feed            eventfeed.Publisher
}

// Option configures the Relay.
type Option func(*relayConfig)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *relayConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMasterToken sets the shared secret that promotes a connection to the
// privileged agent role. With no token configured every registration attempt
// is rejected.
func WithMasterToken(token string) Option {
	return func(c *relayConfig) { c.masterToken = token }
}

// WithSessionStore sets the identity lookup used to classify web clients at
// upgrade time. Without a store every connection starts unclassified.
func WithSessionStore(s session.Store) Option {
	return func(c *relayConfig) { c.sessions = s }
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(c *relayConfig) { c.acceptOptions = opts }
}

// WithSendBuffer sets the per-connection outgoing frame buffer.
func WithSendBuffer(n int) Option {
	return func(c *relayConfig) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the heartbeat cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithLivenessTimeout sets how long a silent connection survives. Must
// exceed the ping interval; New rejects configurations where it does not.
func WithLivenessTimeout(d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.livenessTimeout = d
		}
	}
}

// WithStatusMaxAge sets how old a cached agent status may be before card
// readiness checks force a fresh probe.
func WithStatusMaxAge(d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.statusMaxAge = d
		}
	}
}

// WithKindTimeout overrides the deadline for one request kind.
func WithKindTimeout(kind Kind, d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.kindTimeouts[kind] = d
		}
	}
}

// WithMetrics attaches a metrics registry. Nil is fine.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *relayConfig) { c.metrics = m }
}

// WithEventFeed attaches a lifecycle event publisher.
func WithEventFeed(p eventfeed.Publisher) Option {
	return func(c *relayConfig) {
		if p != nil {
			c.feed = p
		}
	}
}
