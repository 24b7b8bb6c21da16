// Package session resolves an opaque session id, carried by the web client's
// cookie, into a tenant identity. The canonical implementation lives in the
// main application's session service; the relay only depends on the Store
// interface and calls it once per connection, at upgrade time.
package session

import (
	"context"
	"errors"
	"sync"
)

// SuperTenant is the reserved tenant key for operators who must see every
// company's traffic.
const SuperTenant = "*"

// CookieName is the session cookie the relay inspects during the websocket
// upgrade.
const CookieName = "sid"

// ErrNotFound is returned when a session id resolves to nothing.
var ErrNotFound = errors.New("session not found")

// Identity is the resolved caller of a web client connection.
type Identity struct {
	CompanyID string
	UserID    string
	Role      string
}

// TenantKey returns the key used to group this identity's connections.
// Administrative roles collapse into the super-tenant.
func (id Identity) TenantKey() string {
	if id.Role == "admin" || id.CompanyID == SuperTenant {
		return SuperTenant
	}
	return id.CompanyID
}

// Store looks up identities by session id.
type Store interface {
	Lookup(ctx context.Context, sessionID string) (Identity, error)
}

// MemoryStore is an in-process Store for tests and single-box deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Identity
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Identity)}
}

// Put registers or replaces a session.
func (s *MemoryStore) Put(sessionID string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = id
}

// Delete removes a session.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, sessionID string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[sessionID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return id, nil
}
