package bridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventotech/fiscalbridge/pkg/bridge"
	"github.com/eventotech/fiscalbridge/pkg/frames"
	"github.com/eventotech/fiscalbridge/pkg/session"
	"github.com/eventotech/fiscalbridge/pkg/testutil"
)

const testToken = "test-master-token"

type testServer struct {
	relay *bridge.Relay
	url   string
}

func newTestServer(t *testing.T, extra ...bridge.Option) *testServer {
	t.Helper()

	sessions := session.NewMemoryStore()
	sessions.Put("sid-alpha", session.Identity{CompanyID: "company-1", UserID: "user-1", Role: "operator"})
	sessions.Put("sid-beta", session.Identity{CompanyID: "company-2", UserID: "user-2", Role: "operator"})
	sessions.Put("sid-admin", session.Identity{CompanyID: "company-1", UserID: "admin-1", Role: "admin"})

	opts := append([]bridge.Option{
		bridge.WithMasterToken(testToken),
		bridge.WithSessionStore(sessions),
	}, extra...)
	relay, err := bridge.New(opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(relay.UpgradeHandler())
	t.Cleanup(func() {
		_ = relay.Shutdown(context.Background())
		srv.Close()
	})
	return &testServer{relay: relay, url: srv.URL}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pushStatus(t *testing.T, ctx context.Context, agent *testutil.Conn, ready bool) {
	t.Helper()
	agent.Send(t, ctx, &frames.Frame{
		Type: frames.TypeStatus,
		Data: json.RawMessage(jsonStatus(ready)),
	})
}

func jsonStatus(ready bool) string {
	if ready {
		return `{"readerConnected":true,"cardInserted":true,"systemId":"SYS001A"}`
	}
	return `{"readerConnected":true,"cardInserted":false}`
}

func TestAgentRegistration(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	assert.False(t, ts.relay.AgentLive())
	testutil.DialAgent(t, ctx, ts.url, testToken)
	assert.True(t, ts.relay.AgentLive())
}

func TestAgentRegistrationBadToken(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	c := testutil.Dial(t, ctx, ts.url, nil)
	c.Send(t, ctx, &frames.Frame{Type: frames.TypeBridgeRegister, Token: "wrong"})

	f := c.Expect(t, ctx, frames.TypeBridgeRegisterResponse)
	require.NotNil(t, f.Success, "success travels at the top level of the frame")
	assert.False(t, *f.Success)
	assert.Empty(t, f.Payload, "register responses carry no nested payload")
	assert.Contains(t, f.Error, "auth_failed")
	assert.False(t, ts.relay.AgentLive())
}

func TestSingleAgentSlot(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	first := testutil.DialAgent(t, ctx, ts.url, testToken)
	testutil.DialAgent(t, ctx, ts.url, testToken)

	// The superseded transport is force-closed by the relay.
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		if _, err := first.ReadErr(readCtx); err != nil {
			break
		}
	}
	assert.True(t, ts.relay.AgentLive(), "the replacement stays registered")
}

func TestUnclassifiedFrameRejected(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	c := testutil.Dial(t, ctx, ts.url, nil)
	c.Send(t, ctx, &frames.Frame{Type: frames.TypeStatusRequest, RequestID: "x"})

	f := c.Expect(t, ctx, frames.TypeError)
	assert.Contains(t, f.Error, "unauthorized")
}

func TestClientReceivesConnectionStatus(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")
	f := client.Expect(t, ctx, frames.TypeConnectionStatus)

	var cs frames.ConnectionStatus
	require.NoError(t, f.DecodePayload(&cs))
	assert.False(t, cs.BridgeConnected)
	assert.Nil(t, cs.Status, "no cached status to report without an agent")
}

func TestBridgeStatusBroadcastOnAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")
	client.Expect(t, ctx, frames.TypeConnectionStatus)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	f := client.Expect(t, ctx, frames.TypeBridgeStatus)
	var bs frames.BridgeStatus
	require.NoError(t, f.DecodePayload(&bs))
	assert.True(t, bs.Connected)

	agent.Close()
	f = client.Expect(t, ctx, frames.TypeBridgeStatus)
	require.NoError(t, f.DecodePayload(&bs))
	assert.False(t, bs.Connected)
}

func TestStatusRequestRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	client.Send(t, ctx, &frames.Frame{Type: frames.TypeStatusRequest, RequestID: "st-1"})

	fwd := agent.Expect(t, ctx, frames.TypeStatusRequest)
	assert.Equal(t, "st-1", fwd.RequestID)
	assert.Equal(t, "company-1", fwd.CompanyID, "the relay stamps the sender's identity")
	assert.Equal(t, "user-1", fwd.UserID)

	agent.Send(t, ctx, &frames.Frame{
		Type:      frames.TypeStatusResponse,
		RequestID: "st-1",
		Payload:   json.RawMessage(`{"success":true,"readerConnected":true,"cardInserted":true,"systemId":"SYS001A"}`),
	})

	resp := client.Expect(t, ctx, frames.TypeStatusResponse)
	assert.Equal(t, "st-1", resp.RequestID)
	var res frames.Result
	require.NoError(t, resp.DecodePayload(&res))
	assert.True(t, res.Success)

	// A successful probe refreshes the cache.
	require.NoError(t, testutil.WaitFor(t, "status cached", 2*time.Second, func() bool {
		st, ok := ts.relay.CachedStatus()
		return ok && st.SystemID == "SYS001A"
	}))
}

func TestFailedStatusProbeKeepsCache(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	pushStatus(t, ctx, agent, true)
	require.NoError(t, testutil.WaitFor(t, "status cached", 2*time.Second, func() bool {
		st, ok := ts.relay.CachedStatus()
		return ok && st.SystemID == "SYS001A"
	}))

	client.Send(t, ctx, &frames.Frame{Type: frames.TypeStatusRequest, RequestID: "st-2"})
	agent.Expect(t, ctx, frames.TypeStatusRequest)
	agent.Send(t, ctx, &frames.Frame{
		Type:      frames.TypeStatusResponse,
		RequestID: "st-2",
		Payload:   json.RawMessage(`{"success":false,"error":"probe failed"}`),
	})

	resp := client.Expect(t, ctx, frames.TypeStatusResponse)
	var res frames.Result
	require.NoError(t, resp.DecodePayload(&res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rejected")

	// The failed probe must not disturb the last good snapshot.
	st, ok := ts.relay.CachedStatus()
	require.True(t, ok)
	assert.Equal(t, "SYS001A", st.SystemID)
}

func TestSealRejectedWhenCardNotReady(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	pushStatus(t, ctx, agent, false)
	require.NoError(t, testutil.WaitFor(t, "status cached", 2*time.Second, func() bool {
		_, ok := ts.relay.CachedStatus()
		return ok
	}))

	client.Send(t, ctx, &frames.Frame{
		Type:      frames.TypeSealRequest,
		RequestID: "seal-1",
		Payload:   json.RawMessage(`{"price":1500,"timestamp":"2026-03-14T20:00:00Z"}`),
	})

	resp := client.Expect(t, ctx, frames.TypeSealResponse)
	assert.Equal(t, "seal-1", resp.RequestID)
	var res frames.Result
	require.NoError(t, resp.DecodePayload(&res))
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "card_not_ready"), res.Error)
}

func TestSealFailsFastWithoutAgent(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")
	client.Send(t, ctx, &frames.Frame{Type: frames.TypeSealRequest, RequestID: "seal-1"})

	resp := client.Expect(t, ctx, frames.TypeSealResponse)
	var res frames.Result
	require.NoError(t, resp.DecodePayload(&res))
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "agent_offline"), res.Error)
}

func TestAgentDisconnectFailsPendingRequests(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	pushStatus(t, ctx, agent, true)
	require.NoError(t, testutil.WaitFor(t, "status cached", 2*time.Second, func() bool {
		_, ok := ts.relay.CachedStatus()
		return ok
	}))

	client.Send(t, ctx, &frames.Frame{
		Type:      frames.TypeSealRequest,
		RequestID: "seal-1",
		Payload:   json.RawMessage(`{"price":1500,"timestamp":"2026-03-14T20:00:00Z"}`),
	})
	agent.Expect(t, ctx, frames.TypeSealRequest)
	agent.Close()

	resp := client.Expect(t, ctx, frames.TypeSealResponse)
	var res frames.Result
	require.NoError(t, resp.DecodePayload(&res))
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "disconnected"), res.Error)

	// The cache dies with the agent.
	require.NoError(t, testutil.WaitFor(t, "cache cleared", 2*time.Second, func() bool {
		_, ok := ts.relay.CachedStatus()
		return !ok
	}))
}

func TestMissingRequestIDRejected(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	testutil.DialAgent(t, ctx, ts.url, testToken)
	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	client.Send(t, ctx, &frames.Frame{Type: frames.TypeStatusRequest})
	f := client.Expect(t, ctx, frames.TypeError)
	assert.Contains(t, f.Error, "requestId")
}

func TestUnicastToCompany(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)
	beta := testutil.DialClient(t, ctx, ts.url, "sid-beta")
	admin := testutil.DialClient(t, ctx, ts.url, "sid-admin")

	require.NoError(t, testutil.WaitFor(t, "clients registered", 2*time.Second, func() bool {
		return ts.relay.ClientCount() == 2
	}))

	agent.Send(t, ctx, &frames.Frame{
		Type:        "card_update",
		ToCompanyID: "company-2",
		Data:        json.RawMessage(`{"n":1}`),
	})

	f := beta.Expect(t, ctx, "card_update")
	assert.Equal(t, "company-2", f.ToCompanyID)

	// Super-tenant connections see every company's traffic.
	admin.Expect(t, ctx, "card_update")
}

func TestClientReconnectEvictsPredecessor(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	first := testutil.DialClient(t, ctx, ts.url, "sid-alpha")
	first.Expect(t, ctx, frames.TypeConnectionStatus)
	testutil.DialClient(t, ctx, ts.url, "sid-alpha")

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		if _, err := first.ReadErr(readCtx); err != nil {
			break
		}
	}
	require.NoError(t, testutil.WaitFor(t, "one client slot", 2*time.Second, func() bool {
		return ts.relay.ClientCount() == 1
	}))
}

func TestServerIssuedStatusRequest(t *testing.T) {
	ts := newTestServer(t)
	ctx := testCtx(t)

	agent := testutil.DialAgent(t, ctx, ts.url, testToken)

	type result struct {
		st  bridge.AgentStatus
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := ts.relay.RequestStatus(ctx)
		done <- result{st, err}
	}()

	req := agent.Expect(t, ctx, frames.TypeStatusRequest)
	require.NotEmpty(t, req.RequestID)
	agent.Send(t, ctx, &frames.Frame{
		Type:      frames.TypeStatusResponse,
		RequestID: req.RequestID,
		Payload:   json.RawMessage(`{"success":true,"readerConnected":true,"cardInserted":true,"systemId":"SYS001A"}`),
	})

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.st.CardReady())
	assert.Equal(t, "SYS001A", res.st.SystemID)
}

func TestServerIssuedRequestFailsFastOffline(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.relay.RequestStatus(testCtx(t))
	assert.ErrorIs(t, err, bridge.ErrAgentOffline)
}

func TestHeartbeatKeepsConnectionsAlive(t *testing.T) {
	ts := newTestServer(t,
		bridge.WithPingInterval(50*time.Millisecond),
		bridge.WithLivenessTimeout(200*time.Millisecond))
	ctx := testCtx(t)

	client := testutil.DialClient(t, ctx, ts.url, "sid-alpha")
	client.Expect(t, ctx, frames.TypePing)

	// Expect answers pings as it reads, so the connection stays registered
	// well past the liveness timeout.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		client.Expect(t, ctx, frames.TypePing)
	}
	assert.Equal(t, 1, ts.relay.ClientCount())
}

func TestInvalidHeartbeatConfigRejected(t *testing.T) {
	_, err := bridge.New(
		bridge.WithPingInterval(time.Second),
		bridge.WithLivenessTimeout(time.Second))
	assert.Error(t, err)
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.relay.Shutdown(context.Background()))

	resp, err := http.Get(ts.url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
