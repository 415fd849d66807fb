package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/events"
)

// postJSON posts body to the gateway and decodes the reply into out (when
// non-nil), returning the HTTP status.
func (a *TestApp) postJSON(path string, body, out any) int {
	a.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(a.t, err)
	resp, err := http.Post(a.BaseURL+path, "application/json", bytes.NewReader(payload))
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// getJSON fetches path and decodes the reply into out (when non-nil),
// returning the HTTP status.
func (a *TestApp) getJSON(path string, out any) int {
	a.t.Helper()
	resp, err := http.Get(a.BaseURL + path)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// dialWS opens a WebSocket to the gateway; the connection dies with the
// test.
func (a *TestApp) dialWS(ctx context.Context, path string) *websocket.Conn {
	a.t.Helper()
	conn, _, err := websocket.Dial(ctx, a.WSURL+path, nil)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test over") })
	return conn
}

// readEvent reads and decodes one session event frame.
func readEvent(ctx context.Context, a *TestApp, conn *websocket.Conn) events.SessionEvent {
	a.t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(a.t, err)
	var ev events.SessionEvent
	require.NoError(a.t, json.Unmarshal(data, &ev))
	return ev
}
