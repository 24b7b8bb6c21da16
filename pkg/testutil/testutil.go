// Package testutil provides common test utilities for the fiscalbridge
// packages: condition polling and websocket helpers that speak the bridge
// frame protocol.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/eventotech/fiscalbridge/pkg/frames"
)

// WaitFor polls a condition until it holds or the timeout elapses.
// It returns nil if the condition becomes true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// Conn wraps a test-side websocket speaking the bridge frame protocol.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a websocket to a bridge server URL (http:// form is accepted).
func Dial(t *testing.T, ctx context.Context, url string, opts *websocket.DialOptions) *Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return &Conn{ws: ws}
}

// DialAgent connects and registers as the hardware agent with the given
// token, failing the test if registration is not acknowledged as successful.
func DialAgent(t *testing.T, ctx context.Context, url, token string) *Conn {
	t.Helper()
	c := Dial(t, ctx, url, nil)
	c.Send(t, ctx, &frames.Frame{Type: frames.TypeBridgeRegister, Token: token})
	f := c.Expect(t, ctx, frames.TypeBridgeRegisterResponse)
	if !f.Ok() {
		t.Fatalf("agent registration rejected: %s", f.Error)
	}
	return c
}

// DialClient connects with a session cookie so the relay classifies the
// socket as a web client.
func DialClient(t *testing.T, ctx context.Context, url, sid string) *Conn {
	t.Helper()
	return Dial(t, ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Cookie": {"sid=" + sid}},
	})
}

// Send writes one frame.
func (c *Conn) Send(t *testing.T, ctx context.Context, f *frames.Frame) {
	t.Helper()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		t.Fatalf("write frame %s: %v", f.Type, err)
	}
}

// Read returns the next frame.
func (c *Conn) Read(t *testing.T, ctx context.Context) *frames.Frame {
	t.Helper()
	var f frames.Frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

// ReadErr returns the next frame or the transport error, for tests asserting
// on forced disconnects.
func (c *Conn) ReadErr(ctx context.Context) (*frames.Frame, error) {
	var f frames.Frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Expect reads frames until one of the wanted type arrives, answering pings
// and skipping unrelated broadcasts along the way.
func (c *Conn) Expect(t *testing.T, ctx context.Context, frameType string) *frames.Frame {
	t.Helper()
	for {
		f := c.Read(t, ctx)
		switch f.Type {
		case frames.TypePing:
			c.Send(t, ctx, frames.New(frames.TypePong))
			if frameType == frames.TypePing {
				return f
			}
		case frameType:
			return f
		default:
			t.Logf("skipping frame %s while waiting for %s", f.Type, frameType)
		}
	}
}

// Close closes the underlying websocket.
func (c *Conn) Close() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}
