// Package bridge implements the websocket relay between the one privileged
// hardware-agent connection and the many web client connections, plus the
// request broker that correlates asynchronous agent replies with pending
// requests by id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/eventotech/fiscalbridge/pkg/eventfeed"
	"github.com/eventotech/fiscalbridge/pkg/frames"
	"github.com/eventotech/fiscalbridge/pkg/session"
)

// requestKinds maps client/server request frame types to broker kinds.
var requestKinds = map[string]Kind{
	frames.TypeStatusRequest:         KindStatus,
	frames.TypeSealRequest:           KindSeal,
	frames.TypeXMLSignatureRequest:   KindXMLSignature,
	frames.TypeSMIMESignatureRequest: KindSMIMESignature,
	frames.TypeCardDataRequest:       KindCardData,
}

// responseKinds maps agent response frame types to broker kinds.
var responseKinds = map[string]Kind{
	frames.TypeStatusResponse:         KindStatus,
	frames.TypeSealResponse:           KindSeal,
	frames.TypeSignatureResponse:      KindXMLSignature,
	frames.TypeSMIMESignatureResponse: KindSMIMESignature,
	frames.TypeCardDataResponse:       KindCardData,
}

// responseTypes is the inverse of responseKinds, for server-issued requests
// that must synthesize the reply frame type from the kind alone.
var responseTypes = map[Kind]string{
	KindStatus:         frames.TypeStatusResponse,
	KindSeal:           frames.TypeSealResponse,
	KindXMLSignature:   frames.TypeSignatureResponse,
	KindSMIMESignature: frames.TypeSMIMESignatureResponse,
	KindCardData:       frames.TypeCardDataResponse,
}

func responseTypeFor(kind Kind) string {
	if typ, ok := responseTypes[kind]; ok {
		return typ
	}
	return frames.TypeError
}

// Relay is the websocket endpoint tying everything together: connection
// registry, heartbeat monitor, request broker and status cache. Construct
// one per process with New and mount UpgradeHandler on the HTTP server;
// package-level state is deliberately absent so tests can run isolated
// instances side by side.
type Relay struct {
	cfg      relayConfig
	registry *registry
	brk      *broker
	status   *statusCache

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a Relay and starts its heartbeat monitor.
func New(opts ...Option) (*Relay, error) {
	cfg := relayConfig{
		logger:          slog.Default(),
		acceptOptions:   &websocket.AcceptOptions{},
		sendBuffer:      defaultSendBuffer,
		writeTimeout:    defaultWriteTimeout,
		pingInterval:    defaultPingInterval,
		livenessTimeout: defaultLivenessTimeout,
		statusMaxAge:    defaultStatusMaxAge,
		kindTimeouts:    make(map[Kind]time.Duration),
		feed:            eventfeed.Nop{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.livenessTimeout <= cfg.pingInterval {
		return nil, fmt.Errorf("liveness timeout (%v) must exceed ping interval (%v)",
			cfg.livenessTimeout, cfg.pingInterval)
	}

	mainCtx, mainCancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:          cfg,
		registry:     newRegistry(),
		brk:          newBroker(cfg.logger, cfg.metrics, cfg.kindTimeouts),
		status:       &statusCache{},
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	go r.heartbeatLoop()
	return r, nil
}

// UpgradeHandler returns the http.HandlerFunc serving the single websocket
// endpoint. Both agents and web clients connect here; a session cookie
// classifies a client immediately, everything else stays unclassified until
// it registers as the agent or the heartbeat drops it.
func (r *Relay) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-r.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		ws, err := websocket.Accept(w, req, r.cfg.acceptOptions)
		if err != nil {
			r.cfg.logger.Warn("relay: websocket accept failed", "err", err)
			return
		}

		ctx, cancel := context.WithCancel(r.mainCtx)
		c := &wsConn{
			ws:          ws,
			logger:      r.cfg.logger,
			send:        make(chan *frames.Frame, r.cfg.sendBuffer),
			ctx:         ctx,
			cancel:      cancel,
			connectedAt: time.Now(),
			remote:      req.RemoteAddr,
		}
		c.touch()

		if id, ok := r.resolveIdentity(req); ok {
			c.identity = id
			c.setRole(roleClient)
			r.registry.addClient(c)
			r.cfg.metrics.SetClientCount(r.registry.clientCount())
			r.cfg.logger.Info("relay: client connected",
				"tenant", id.TenantKey(), "userId", id.UserID, "remote", c.remote)
			r.pushConnectionStatus(c)
		} else {
			r.registry.addUnclassified(c)
			r.cfg.logger.Debug("relay: unclassified connection", "remote", c.remote)
		}

		go c.writePump(r.cfg.writeTimeout)
		go r.readLoop(c)
	}
}

func (r *Relay) resolveIdentity(req *http.Request) (session.Identity, bool) {
	if r.cfg.sessions == nil {
		return session.Identity{}, false
	}
	cookie, err := req.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return session.Identity{}, false
	}
	id, err := r.cfg.sessions.Lookup(req.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			r.cfg.logger.Warn("relay: session lookup failed", "err", err)
		}
		return session.Identity{}, false
	}
	return id, true
}

// pushConnectionStatus tells a freshly connected client where the bridge
// stands: agent liveness plus the cached hardware status, if any.
func (r *Relay) pushConnectionStatus(c *wsConn) {
	cs := frames.ConnectionStatus{BridgeConnected: r.registry.agentLive()}
	if st, ok := r.status.get(); ok {
		if raw, err := json.Marshal(st); err == nil {
			cs.Status = raw
		}
	}
	f, err := frames.NewWithPayload(frames.TypeConnectionStatus, "", cs)
	if err != nil {
		return
	}
	c.trySend(f)
}

func (r *Relay) readLoop(c *wsConn) {
	defer r.onDisconnect(c)
	for {
		var f frames.Frame
		if err := wsjson.Read(c.ctx, c.ws, &f); err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) ||
				status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				r.cfg.logger.Debug("relay: connection closed", "role", c.getRole().String())
			} else {
				r.cfg.logger.Debug("relay: read error", "role", c.getRole().String(), "err", err)
			}
			return
		}
		c.touch()
		r.cfg.metrics.FrameRouted(f.Type, "in")

		switch f.Type {
		case frames.TypePing:
			// Either side may initiate keepalive; answer immediately.
			c.trySend(frames.New(frames.TypePong))
		case frames.TypePong:
			// Liveness already refreshed above.
		default:
			switch c.getRole() {
			case roleAgent:
				r.handleAgentFrame(c, &f)
			case roleClient:
				r.handleClientFrame(c, &f)
			default:
				r.handleUnclassifiedFrame(c, &f)
			}
		}
	}
}

// handleUnclassifiedFrame only ever promotes to agent. An unclassified
// socket that never registers is left alone for the heartbeat to reap.
func (r *Relay) handleUnclassifiedFrame(c *wsConn, f *frames.Frame) {
	if f.Type != frames.TypeBridgeRegister {
		r.cfg.logger.Debug("relay: frame from unclassified connection", "frameType", f.Type)
		c.trySend(&frames.Frame{Type: frames.TypeError, Error: "unauthorized: connection not classified"})
		return
	}

	if r.cfg.masterToken == "" || f.Token != r.cfg.masterToken {
		r.cfg.logger.Warn("relay: agent registration rejected", "remote", c.remote)
		c.trySend(frames.NewRegisterResponse(false, "auth_failed: invalid bridge token"))
		return
	}

	c.setRole(roleAgent)
	evicted := r.registry.setAgent(c)
	if evicted {
		// Requests issued to the evicted transport can never be answered
		// by its replacement.
		r.brk.failAll(ErrAgentDisconnected)
	}
	r.cfg.logger.Info("relay: agent registered", "remote", c.remote, "evictedPrevious", evicted)

	c.trySend(frames.NewRegisterResponse(true, ""))

	r.cfg.metrics.SetAgentConnected(true)
	if err := r.cfg.feed.AgentState(true); err != nil {
		r.cfg.logger.Warn("relay: event feed publish failed", "err", err)
	}
	r.broadcastBridgeStatus(true)
}

// handleClientFrame routes a web client's frame. Correlated hardware
// requests go through the broker so timeouts and disconnect sweeps apply;
// anything else is forwarded verbatim, stamped with the sender's identity.
// With no agent connected, uncorrelated frames are dropped by design: a
// stale hardware command executed late is worse than a dropped one.
func (r *Relay) handleClientFrame(c *wsConn, f *frames.Frame) {
	if kind, ok := requestKinds[f.Type]; ok {
		r.forwardCorrelated(c, kind, f)
		return
	}

	agent := r.registry.agentConn()
	if agent == nil {
		r.cfg.logger.Info("relay: dropping client frame, no agent",
			"frameType", f.Type, "tenant", c.tenantKey())
		return
	}
	fwd := *f
	fwd.CompanyID = c.identity.CompanyID
	fwd.UserID = c.identity.UserID
	agent.trySend(&fwd)
	r.cfg.metrics.FrameRouted(f.Type, "out")
}

func (r *Relay) forwardCorrelated(c *wsConn, kind Kind, f *frames.Frame) {
	if f.RequestID == "" {
		c.trySend(&frames.Frame{Type: frames.TypeError, Error: "protocol: missing requestId"})
		return
	}
	// Seal issuance is irreversible; refuse before any frame reaches the
	// agent unless the reader and card are known present.
	if kind == KindSeal {
		if err := r.EnsureCardReady(c.ctx); err != nil {
			r.replyError(c, kind, f.RequestID, err)
			return
		}
	}
	if !r.registry.agentLive() {
		r.replyError(c, kind, f.RequestID, ErrAgentOffline)
		return
	}

	fwd := *f
	fwd.CompanyID = c.identity.CompanyID
	fwd.UserID = c.identity.UserID
	p, err := r.brk.issue(kind, f.RequestID, func() error { return r.sendToAgent(&fwd) })
	if err != nil {
		r.replyError(c, kind, f.RequestID, err)
		return
	}
	go func() {
		payload, err := r.brk.await(r.mainCtx, p)
		if err != nil {
			r.replyError(c, kind, f.RequestID, err)
			return
		}
		c.trySend(&frames.Frame{Type: responseTypeFor(kind), RequestID: f.RequestID, Payload: payload})
	}()
}

func (r *Relay) replyError(c *wsConn, kind Kind, requestID string, err error) {
	payload, _ := json.Marshal(frames.Result{Success: false, Error: errorCode(err)})
	c.trySend(&frames.Frame{Type: responseTypeFor(kind), RequestID: requestID, Payload: payload})
}

// errorCode renders err as a short machine-readable prefix plus a
// human-readable message, the shape operators see in the UI.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrCardNotReady):
		return "card_not_ready: " + err.Error()
	case errors.Is(err, ErrAgentOffline):
		return "agent_offline: " + err.Error()
	case errors.Is(err, ErrRequestTimeout):
		return "timeout: " + err.Error()
	case errors.Is(err, ErrAgentDisconnected):
		return "disconnected: " + err.Error()
	case errors.Is(err, ErrDuplicateRequestID):
		return "duplicate_request: " + err.Error()
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return "rejected: " + ae.Message
	}
	return "error: " + err.Error()
}

// handleAgentFrame dispatches a frame from the hardware agent. Unsolicited
// status frames refresh the cache unconditionally and fan out to every
// client; correlated responses resolve broker entries, refreshing the cache
// only on success. Any frame addressed to a tenant is additionally unicast
// there.
func (r *Relay) handleAgentFrame(c *wsConn, f *frames.Frame) {
	switch f.Type {
	case frames.TypeStatus:
		raw := f.Data
		if raw == nil {
			raw = f.Payload
		}
		if st, ok := normalizeStatus(raw, time.Now()); ok {
			r.status.set(st)
		}
		// Status is not tenant-scoped: every operator sees reader state.
		r.broadcast(f)

	case frames.TypeStatusResponse:
		var res frames.Result
		if err := f.DecodePayload(&res); err != nil {
			r.cfg.logger.Warn("relay: malformed status response", "err", err)
			r.brk.complete(KindStatus, f.RequestID, nil, &AgentError{Kind: KindStatus, Message: "malformed payload"})
			break
		}
		if res.Success {
			// Overwrite rule: only a successful report touches the cache.
			if st, ok := normalizeStatus(f.Payload, time.Now()); ok {
				r.status.set(st)
			}
			r.brk.complete(KindStatus, f.RequestID, f.Payload, nil)
		} else {
			r.brk.complete(KindStatus, f.RequestID, nil, &AgentError{Kind: KindStatus, Message: res.Error})
		}

	case frames.TypeSealResponse, frames.TypeSignatureResponse,
		frames.TypeSMIMESignatureResponse, frames.TypeCardDataResponse:
		kind := responseKinds[f.Type]
		var res frames.Result
		if err := f.DecodePayload(&res); err != nil {
			r.brk.complete(kind, f.RequestID, nil, &AgentError{Kind: kind, Message: "malformed payload"})
			break
		}
		if res.Success {
			r.brk.complete(kind, f.RequestID, f.Payload, nil)
		} else {
			r.brk.complete(kind, f.RequestID, nil, &AgentError{Kind: kind, Message: res.Error})
		}

	default:
		if f.ToCompanyID == "" {
			r.cfg.logger.Debug("relay: unhandled agent frame", "frameType", f.Type)
		}
	}

	if f.ToCompanyID != "" {
		r.unicast(f.ToCompanyID, f)
	}
}

func (r *Relay) onDisconnect(c *wsConn) {
	c.close(websocket.StatusNormalClosure, "closing")

	switch c.getRole() {
	case roleAgent:
		if !r.registry.removeAgent(c) {
			// Already replaced by a newer registration; nothing to tear down.
			return
		}
		r.cfg.logger.Info("relay: agent disconnected", "remote", c.remote)
		r.status.clear()
		r.brk.failAll(ErrAgentDisconnected)
		r.cfg.metrics.SetAgentConnected(false)
		if err := r.cfg.feed.AgentState(false); err != nil {
			r.cfg.logger.Warn("relay: event feed publish failed", "err", err)
		}
		r.broadcastBridgeStatus(false)
	case roleClient:
		r.registry.removeClient(c)
		r.cfg.metrics.SetClientCount(r.registry.clientCount())
		r.cfg.logger.Info("relay: client disconnected",
			"tenant", c.tenantKey(), "userId", c.identity.UserID)
	default:
		r.registry.removeUnclassified(c)
	}
}

func (r *Relay) broadcastBridgeStatus(connected bool) {
	f, err := frames.NewWithPayload(frames.TypeBridgeStatus, "", frames.BridgeStatus{Connected: connected})
	if err != nil {
		return
	}
	r.broadcast(f)
}

func (r *Relay) broadcast(f *frames.Frame) {
	r.registry.forEachClient("", func(c *wsConn) {
		c.trySend(f)
		r.cfg.metrics.FrameRouted(f.Type, "broadcast")
	})
}

func (r *Relay) unicast(tenant string, f *frames.Frame) {
	r.registry.forEachClient(tenant, func(c *wsConn) {
		c.trySend(f)
		r.cfg.metrics.FrameRouted(f.Type, "unicast")
	})
}

// sendToAgent is the single path for writing to the agent transport, so a
// concurrent disconnect can never race a write to a closed socket.
func (r *Relay) sendToAgent(f *frames.Frame) error {
	agent := r.registry.agentConn()
	if agent == nil {
		return ErrAgentOffline
	}
	if !agent.trySend(f) {
		return fmt.Errorf("agent transport unavailable")
	}
	r.cfg.metrics.FrameRouted(f.Type, "out")
	return nil
}

// call issues one correlated request to the agent and waits for its reply.
// Fails fast with ErrAgentOffline before registering anything when no agent
// is connected.
func (r *Relay) call(ctx context.Context, kind Kind, frameType string, payload any) (json.RawMessage, error) {
	if !r.registry.agentLive() {
		return nil, ErrAgentOffline
	}
	f, err := frames.NewWithPayload(frameType, frames.NewRequestID(string(kind)), payload)
	if err != nil {
		return nil, err
	}
	p, err := r.brk.issue(kind, f.RequestID, func() error { return r.sendToAgent(f) })
	if err != nil {
		return nil, err
	}
	return r.brk.await(ctx, p)
}

// RequestStatus asks the agent for a fresh hardware status. The cache is
// refreshed by the dispatch path before this returns, and only on success.
func (r *Relay) RequestStatus(ctx context.Context) (AgentStatus, error) {
	payload, err := r.call(ctx, KindStatus, frames.TypeStatusRequest, nil)
	if err != nil {
		return AgentStatus{}, err
	}
	st, ok := normalizeStatus(payload, time.Now())
	if !ok {
		return AgentStatus{}, fmt.Errorf("status response carried no recognizable fields")
	}
	return st, nil
}

// RequestSeal obtains a fiscal seal for one ticket. Price is in euro cents.
func (r *Relay) RequestSeal(ctx context.Context, price int64, ts time.Time) (string, error) {
	if err := r.EnsureCardReady(ctx); err != nil {
		return "", err
	}
	payload, err := r.call(ctx, KindSeal, frames.TypeSealRequest, frames.SealRequest{
		Price:     price,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	var res frames.SealResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", fmt.Errorf("decode seal response: %w", err)
	}
	return res.Seal, nil
}

// SignXML obtains a signature over an XML document from the card.
func (r *Relay) SignXML(ctx context.Context, body []byte) (frames.SignatureResult, error) {
	return r.signRequest(ctx, KindXMLSignature, frames.TypeXMLSignatureRequest,
		frames.SignatureRequest{XMLContent: string(body), Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// SignSMIME obtains an S/MIME signature over a pre-built mail body.
func (r *Relay) SignSMIME(ctx context.Context, content []byte) (frames.SignatureResult, error) {
	return r.signRequest(ctx, KindSMIMESignature, frames.TypeSMIMESignatureRequest,
		frames.SMIMERequest{Content: string(content), Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (r *Relay) signRequest(ctx context.Context, kind Kind, frameType string, req any) (frames.SignatureResult, error) {
	payload, err := r.call(ctx, kind, frameType, req)
	if err != nil {
		return frames.SignatureResult{}, err
	}
	var res frames.SignatureResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return frames.SignatureResult{}, fmt.Errorf("decode signature response: %w", err)
	}
	return res, nil
}

// ReadCardData reads the card's activation file.
func (r *Relay) ReadCardData(ctx context.Context) (frames.CardDataResult, error) {
	payload, err := r.call(ctx, KindCardData, frames.TypeCardDataRequest, nil)
	if err != nil {
		return frames.CardDataResult{}, err
	}
	var res frames.CardDataResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return frames.CardDataResult{}, fmt.Errorf("decode card data response: %w", err)
	}
	return res, nil
}

// EnsureCardReady fails fast unless the agent is live and the last known
// status, refreshed when stale, reports reader and card present.
func (r *Relay) EnsureCardReady(ctx context.Context) error {
	if !r.registry.agentLive() {
		return ErrAgentOffline
	}
	if r.status.stale(r.cfg.statusMaxAge) {
		if _, err := r.RequestStatus(ctx); err != nil {
			return fmt.Errorf("refresh stale status: %w", err)
		}
	}
	st, ok := r.status.get()
	if !ok || !st.CardReady() {
		return fmt.Errorf("%w (reader=%t card=%t)", ErrCardNotReady, st.ReaderConnected, st.CardInserted)
	}
	return nil
}

// AgentLive reports whether the hardware agent is currently registered.
func (r *Relay) AgentLive() bool { return r.registry.agentLive() }

// CachedStatus returns the last known agent status, if any.
func (r *Relay) CachedStatus() (AgentStatus, bool) { return r.status.get() }

// CachedSystemID returns the card-reported system identifier, refreshing a
// stale status first. A refresh failure falls back to whatever is cached.
func (r *Relay) CachedSystemID(ctx context.Context) (string, bool) {
	if r.status.stale(r.cfg.statusMaxAge) && r.registry.agentLive() {
		if _, err := r.RequestStatus(ctx); err != nil {
			r.cfg.logger.Debug("relay: status refresh for system id failed", "err", err)
		}
	}
	st, ok := r.status.get()
	if !ok || st.SystemID == "" {
		return "", false
	}
	return st.SystemID, true
}

// ClientCount returns the number of registered web client connections.
func (r *Relay) ClientCount() int { return r.registry.clientCount() }

// Shutdown closes every connection and fails all pending requests.
func (r *Relay) Shutdown(context.Context) error {
	r.shutdownOnce.Do(func() {
		r.cfg.logger.Info("relay: shutting down")
		close(r.shutdownChan)
		r.brk.failAll(ErrShuttingDown)
		for _, c := range r.registry.sweep() {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
		r.mainCancel()
	})
	return nil
}
