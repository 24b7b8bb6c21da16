package bridge

import (
	"sync"

	"github.com/coder/websocket"

	"github.com/eventotech/fiscalbridge/pkg/session"
)

// superTenantKey groups operator connections that must see all tenants.
const superTenantKey = session.SuperTenant

// registry owns the single agent slot and the web client connections,
// grouped by tenant key and keyed by user id within a tenant. Eviction
// always force-closes the superseded transport before dropping the
// reference, so two live handles can never both believe they are canonical.
type registry struct {
	mu           sync.Mutex
	agent        *wsConn
	clients      map[string]map[string]*wsConn // tenant -> userID -> conn
	unclassified map[*wsConn]struct{}
}

func newRegistry() *registry {
	return &registry{
		clients:      make(map[string]map[string]*wsConn),
		unclassified: make(map[*wsConn]struct{}),
	}
}

// setAgent installs c as the one privileged agent connection, force-closing
// any previous one. The smart card tolerates exactly one driving process;
// a second registration always wins and the old transport dies.
func (r *registry) setAgent(c *wsConn) (evicted bool) {
	r.mu.Lock()
	old := r.agent
	r.agent = c
	delete(r.unclassified, c)
	r.mu.Unlock()

	if old != nil && old != c {
		old.close(websocket.StatusPolicyViolation, "superseded by new agent registration")
		return true
	}
	return false
}

// removeAgent clears the agent slot only if c is still the current agent.
// Returns whether the slot was cleared, so a stale close (an evicted agent's
// readLoop unwinding) cannot tear down its replacement's state.
func (r *registry) removeAgent(c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent != c {
		return false
	}
	r.agent = nil
	return true
}

func (r *registry) agentConn() *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent
}

func (r *registry) agentLive() bool {
	return r.agentConn() != nil
}

// addClient registers c under its (tenant, user) slot, force-closing a prior
// connection for the same pair: a reconnect evicts its predecessor.
func (r *registry) addClient(c *wsConn) {
	tenant, user := c.tenantKey(), c.identity.UserID

	r.mu.Lock()
	byUser, ok := r.clients[tenant]
	if !ok {
		byUser = make(map[string]*wsConn)
		r.clients[tenant] = byUser
	}
	old := byUser[user]
	byUser[user] = c
	delete(r.unclassified, c)
	r.mu.Unlock()

	if old != nil && old != c {
		old.close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
}

// removeClient drops c if it is still the registered connection for its
// (tenant, user) slot.
func (r *registry) removeClient(c *wsConn) {
	tenant, user := c.tenantKey(), c.identity.UserID

	r.mu.Lock()
	defer r.mu.Unlock()
	if byUser, ok := r.clients[tenant]; ok {
		if byUser[user] == c {
			delete(byUser, user)
			if len(byUser) == 0 {
				delete(r.clients, tenant)
			}
		}
	}
}

func (r *registry) addUnclassified(c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unclassified[c] = struct{}{}
}

func (r *registry) removeUnclassified(c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unclassified, c)
}

// forEachClient snapshots the matching clients and runs fn outside the lock.
// tenant "" means every client; the super-tenant's clients always match.
func (r *registry) forEachClient(tenant string, fn func(*wsConn)) {
	r.mu.Lock()
	var snapshot []*wsConn
	for t, byUser := range r.clients {
		if tenant != "" && t != tenant && t != superTenantKey {
			continue
		}
		for _, c := range byUser {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		fn(c)
	}
}

func (r *registry) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byUser := range r.clients {
		n += len(byUser)
	}
	return n
}

// sweep returns every connection, including unclassified ones, for the
// heartbeat monitor.
func (r *registry) sweep() []*wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*wsConn
	if r.agent != nil {
		out = append(out, r.agent)
	}
	for _, byUser := range r.clients {
		for _, c := range byUser {
			out = append(out, c)
		}
	}
	for c := range r.unclassified {
		out = append(out, c)
	}
	return out
}
