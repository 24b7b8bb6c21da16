package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatusTopLevel(t *testing.T) {
	st, ok := normalizeStatus(json.RawMessage(
		`{"readerConnected":true,"cardInserted":true,"systemId":"SYS001A","agentVersion":"2.3.0"}`),
		time.Now())
	require.True(t, ok)
	assert.True(t, st.CardReady())
	assert.Equal(t, "SYS001A", st.SystemID)
	assert.Equal(t, "2.3.0", st.AgentVersion)
}

func TestNormalizeStatusNestedDataWins(t *testing.T) {
	// Older agents wrap the status under "data"; the nested object takes
	// priority over any top-level fields and sources are never merged.
	st, ok := normalizeStatus(json.RawMessage(
		`{"readerConnected":false,"data":{"readerConnected":true,"cardInserted":true,"cardSerial":"S123"}}`),
		time.Now())
	require.True(t, ok)
	assert.True(t, st.ReaderConnected)
	assert.Equal(t, "S123", st.CardSerial)
}

func TestNormalizeStatusNestedStatusObject(t *testing.T) {
	st, ok := normalizeStatus(json.RawMessage(
		`{"status":{"readerPresent":true,"cardPresent":false}}`), time.Now())
	require.True(t, ok)
	assert.True(t, st.ReaderConnected)
	assert.False(t, st.CardInserted)
	assert.False(t, st.CardReady())
}

func TestNormalizeStatusStringBooleans(t *testing.T) {
	st, ok := normalizeStatus(json.RawMessage(
		`{"readerConnected":"true","cardInserted":"1"}`), time.Now())
	require.True(t, ok)
	assert.True(t, st.CardReady())
}

func TestNormalizeStatusUnrecognized(t *testing.T) {
	_, ok := normalizeStatus(json.RawMessage(`{"foo":1}`), time.Now())
	assert.False(t, ok)

	_, ok = normalizeStatus(json.RawMessage(`not json`), time.Now())
	assert.False(t, ok)
}

func TestStatusCacheStaleness(t *testing.T) {
	c := &statusCache{}
	assert.True(t, c.stale(time.Minute), "empty cache is stale")

	c.set(AgentStatus{ReaderConnected: true, ReportedAt: time.Now()})
	assert.False(t, c.stale(time.Minute))

	c.set(AgentStatus{ReaderConnected: true, ReportedAt: time.Now().Add(-2 * time.Minute)})
	assert.True(t, c.stale(time.Minute))

	c.clear()
	_, ok := c.get()
	assert.False(t, ok)
}
