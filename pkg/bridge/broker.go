package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eventotech/fiscalbridge/pkg/metric"
)

// Kind classifies a correlated request to the agent. Each kind has its own
// pending map and its own timeout, because the expected latency differs by
// orders of magnitude: a status probe is machine-speed, an S/MIME signature
// waits for a human to type a PIN.
type Kind string

const (
	KindStatus         Kind = "status"
	KindSeal           Kind = "seal"
	KindXMLSignature   Kind = "xmlsig"
	KindSMIMESignature Kind = "smime"
	KindCardData       Kind = "efff"
)

// Default per-kind deadlines. Product values: too short and PIN entry fails
// spuriously, too long and the UI feels broken.
var defaultTimeouts = map[Kind]time.Duration{
	KindStatus:         3 * time.Second,
	KindSeal:           15 * time.Second,
	KindXMLSignature:   30 * time.Second,
	KindSMIMESignature: 60 * time.Second,
	KindCardData:       10 * time.Second,
}

type outcome struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	id      string
	kind    Kind
	created time.Time
	timer   *time.Timer
	ch      chan outcome // buffered 1; written exactly once
}

// broker is the correlation engine matching asynchronous agent replies to
// outstanding requests by id. Every pending entry is resolved exactly once:
// by a matching completion, by its own timer, or by failAll on agent loss.
// Whichever path removes the entry from the map under the mutex wins.
type broker struct {
	mu       sync.Mutex
	pending  map[Kind]map[string]*pendingRequest
	timeouts map[Kind]time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics
}

func newBroker(logger *slog.Logger, metrics *metric.Metrics, overrides map[Kind]time.Duration) *broker {
	b := &broker{
		pending:  make(map[Kind]map[string]*pendingRequest),
		timeouts: make(map[Kind]time.Duration),
		logger:   logger,
		metrics:  metrics,
	}
	for k, d := range defaultTimeouts {
		b.pending[k] = make(map[string]*pendingRequest)
		b.timeouts[k] = d
	}
	for k, d := range overrides {
		if _, ok := b.pending[k]; ok && d > 0 {
			b.timeouts[k] = d
		}
	}
	return b
}

// issue registers a pending entry under the caller-chosen id, arms its
// timer, then runs send. If send fails the entry is cleared immediately and
// no timer survives. The caller must have verified agent liveness first so
// the no-agent case never registers anything.
func (b *broker) issue(kind Kind, id string, send func() error) (*pendingRequest, error) {
	b.mu.Lock()
	if _, dup := b.pending[kind][id]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateRequestID, kind, id)
	}
	p := &pendingRequest{
		id:      id,
		kind:    kind,
		created: time.Now(),
		ch:      make(chan outcome, 1),
	}
	// The timer must be armed before the entry becomes visible in the map:
	// once the mutex drops, a disconnect sweep may claim the entry and stop
	// the timer. The expire callback runs on its own goroutine and takes the
	// mutex itself, so arming under the lock cannot deadlock.
	p.timer = time.AfterFunc(b.timeouts[kind], func() { b.expire(kind, id) })
	b.pending[kind][id] = p
	n := len(b.pending[kind])
	b.mu.Unlock()
	b.metrics.SetPending(string(kind), n)

	if err := send(); err != nil {
		if q := b.take(kind, id); q != nil {
			q.timer.Stop()
		}
		return nil, fmt.Errorf("send %s request %s: %w", kind, id, err)
	}
	return p, nil
}

// take removes and returns the pending entry, or nil if another path
// already claimed it.
func (b *broker) take(kind Kind, id string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.pending[kind]
	if !ok {
		return nil
	}
	p, ok := m[id]
	if !ok {
		return nil
	}
	delete(m, id)
	b.metrics.SetPending(string(kind), len(m))
	return p
}

// complete resolves a pending entry with the agent's reply. Duplicate or
// late replies must never blow up the relay: an unknown id is logged and
// dropped.
func (b *broker) complete(kind Kind, id string, payload json.RawMessage, err error) {
	p := b.take(kind, id)
	if p == nil {
		b.logger.Warn("broker: reply for unknown request id, dropping",
			"kind", string(kind), "requestId", id)
		return
	}
	p.timer.Stop()
	p.ch <- outcome{payload: payload, err: err}
	switch {
	case err == nil:
		b.metrics.RequestResolved(string(kind), metric.OutcomeOK)
	case IsRejection(err):
		b.metrics.RequestResolved(string(kind), metric.OutcomeRejected)
	default:
		b.metrics.RequestResolved(string(kind), metric.OutcomeDisconnected)
	}
}

func (b *broker) expire(kind Kind, id string) {
	p := b.take(kind, id)
	if p == nil {
		return
	}
	b.logger.Warn("broker: request timed out",
		"kind", string(kind), "requestId", id, "after", time.Since(p.created))
	p.ch <- outcome{err: fmt.Errorf("%w: %s/%s after %v", ErrRequestTimeout, kind, id, b.timeouts[kind])}
	b.metrics.RequestResolved(string(kind), metric.OutcomeTimeout)
}

// failAll rejects every pending entry of every kind. Used when the agent
// transport is lost and on shutdown; callers must never wait out the full
// per-kind timeout for a reply that can no longer arrive.
func (b *broker) failAll(reason error) {
	b.mu.Lock()
	var all []*pendingRequest
	for kind, m := range b.pending {
		for id, p := range m {
			all = append(all, p)
			delete(m, id)
		}
		b.metrics.SetPending(string(kind), 0)
	}
	b.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- outcome{err: fmt.Errorf("%s request %s: %w", p.kind, p.id, reason)}
		b.metrics.RequestResolved(string(p.kind), metric.OutcomeDisconnected)
	}
	if len(all) > 0 {
		b.logger.Info("broker: failed all pending requests", "count", len(all), "reason", reason)
	}
}

// await blocks until the entry resolves or ctx is done. On ctx expiry the
// entry is abandoned to its timer; the buffered channel keeps the eventual
// resolution from blocking anyone.
func (b *broker) await(ctx context.Context, p *pendingRequest) (json.RawMessage, error) {
	select {
	case out := <-p.ch:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *broker) pendingCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[kind])
}

func (b *broker) timeout(kind Kind) time.Duration {
	return b.timeouts[kind]
}
