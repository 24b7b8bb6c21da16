package bridge

import (
	"encoding/json"
	"sync"
	"time"
)

// AgentStatus is the canonical reader/card state. Everything downstream of
// the relay boundary sees only this shape; the agent's several historical
// payload layouts are collapsed by normalizeStatus.
type AgentStatus struct {
	ReaderConnected bool      `json:"readerConnected"`
	CardInserted    bool      `json:"cardInserted"`
	CardSerial      string    `json:"cardSerial,omitempty"`
	SystemID        string    `json:"systemId,omitempty"`
	AgentVersion    string    `json:"agentVersion,omitempty"`
	ReportedAt      time.Time `json:"reportedAt"`
}

// CardReady reports whether an irreversible hardware operation may be
// attempted.
func (s AgentStatus) CardReady() bool {
	return s.ReaderConnected && s.CardInserted
}

// statusCache is the single shared cell holding the last known agent state.
// Overwrite rule: only a successful status report may replace the value; a
// failed probe leaves the previous snapshot intact. All writes happen on the
// agent connection's read loop, so the mutex only guards cross-goroutine
// reads.
type statusCache struct {
	mu  sync.Mutex
	cur *AgentStatus
}

func (c *statusCache) set(s AgentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = &s
}

func (c *statusCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
}

func (c *statusCache) get() (AgentStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return AgentStatus{}, false
	}
	return *c.cur, true
}

// stale reports whether the cached snapshot is older than maxAge (or absent
// entirely). Stale state must be refreshed before card readiness is trusted
// for a seal or a signature.
func (c *statusCache) stale(maxAge time.Duration) bool {
	s, ok := c.get()
	if !ok {
		return true
	}
	return time.Since(s.ReportedAt) > maxAge
}

// Field aliases seen across agent versions, in descending priority.
var statusFieldAliases = map[string][]string{
	"reader":  {"readerConnected", "readerPresent", "reader_connected"},
	"card":    {"cardInserted", "cardPresent", "card_inserted"},
	"serial":  {"cardSerial", "serialNumber", "card_serial"},
	"system":  {"systemId", "codiceSistema", "system_id"},
	"version": {"agentVersion", "version"},
}

// normalizeStatus turns any of the agent's status payload variants into the
// canonical AgentStatus. Source priority: a nested "data" object first, then
// a nested "status" object, then the top-level object itself. The first
// source containing any known field wins outright; sources are not merged.
func normalizeStatus(raw json.RawMessage, at time.Time) (AgentStatus, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return AgentStatus{}, false
	}

	sources := make([]map[string]json.RawMessage, 0, 3)
	for _, key := range []string{"data", "status"} {
		if nested, ok := top[key]; ok {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(nested, &m); err == nil && m != nil {
				sources = append(sources, m)
			}
		}
	}
	sources = append(sources, top)

	for _, src := range sources {
		if !hasAnyStatusField(src) {
			continue
		}
		st := AgentStatus{ReportedAt: at}
		st.ReaderConnected = boolField(src, statusFieldAliases["reader"])
		st.CardInserted = boolField(src, statusFieldAliases["card"])
		st.CardSerial = stringField(src, statusFieldAliases["serial"])
		st.SystemID = stringField(src, statusFieldAliases["system"])
		st.AgentVersion = stringField(src, statusFieldAliases["version"])
		return st, true
	}
	return AgentStatus{}, false
}

func hasAnyStatusField(src map[string]json.RawMessage) bool {
	for _, aliases := range statusFieldAliases {
		for _, a := range aliases {
			if _, ok := src[a]; ok {
				return true
			}
		}
	}
	return false
}

func boolField(src map[string]json.RawMessage, aliases []string) bool {
	for _, a := range aliases {
		raw, ok := src[a]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
		// Some agent builds report "true"/"false" as strings.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s == "true" || s == "1"
		}
	}
	return false
}

func stringField(src map[string]json.RawMessage, aliases []string) string {
	for _, a := range aliases {
		raw, ok := src[a]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}
