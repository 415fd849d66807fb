package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/events"
	"github.com/toolgate/toolgate/pkg/models"
)

// probeStatus marks synthetic events used to detect the live
// subscription; collectors skip them.
const probeStatus = "probe"

// waitSubscribed publishes probe events until one comes back over the
// socket, proving the handler's subscription is installed. Without it a
// fast pipeline could publish before the upgrade goroutine subscribes.
func waitSubscribed(ctx context.Context, app *TestApp, conn *websocket.Conn, sessionID string) {
	app.t.Helper()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			app.Hub.Publish(events.SessionEvent{SessionID: sessionID, Type: events.EventStatus, Status: probeStatus})
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	first := readEvent(ctx, app, conn)
	close(stop)
	require.Equal(app.t, probeStatus, first.Status)
}

// collectUntilStatus reads events until the wanted status arrives (or the
// deadline passes), returning everything seen on the way, inclusive.
// Leftover probes are dropped.
func collectUntilStatus(app *TestApp, conn *websocket.Conn, status string, timeout time.Duration) []events.SessionEvent {
	app.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var seen []events.SessionEvent
	for {
		ev := readEvent(ctx, app, conn)
		if ev.Status == probeStatus {
			continue
		}
		seen = append(seen, ev)
		if ev.Type == events.EventStatus && ev.Status == status {
			return seen
		}
	}
}

func TestSessionEventStream(t *testing.T) {
	app := NewTestApp(t)
	app.LLM.Decide(Decision{
		ConfirmText: "Check Berlin?",
		Calls:       []ProposedCall{{Tool: "get_weather", Args: `{"city":"berlin"}`}},
	})
	app.LLM.SummarizeAs("Berlin is clear at 21°C.")

	// The session id is chosen up front so the stream can be watched from
	// before the first pipeline write.
	const sessionID = "sess-e2e-stream"
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := app.dialWS(dialCtx, "/ws/sessions/"+sessionID)
	waitSubscribed(dialCtx, app, conn, sessionID)

	var interp models.InterpretResponse
	require.Equal(t, http.StatusOK, app.postJSON("/intent/interpret",
		map[string]any{"query": "berlin weather", "user_id": 1, "session_id": sessionID}, &interp))
	require.Equal(t, sessionID, interp.SessionID)

	seen := collectUntilStatus(app, conn, string(models.StatusWaitingConfirm), 10*time.Second)
	for _, ev := range seen {
		assert.Equal(t, sessionID, ev.SessionID)
	}
	// The parked tool calls rode along as a log event.
	var sawPending bool
	for _, ev := range seen {
		if ev.Type == events.EventLog && ev.Step == models.StepPendingTools {
			sawPending = true
			assert.Contains(t, ev.Message, "get_weather")
		}
	}
	assert.True(t, sawPending, "expected a pending_tools log event before waiting_confirm")

	var conf models.ConfirmResponse
	require.Equal(t, http.StatusOK, app.postJSON("/intent/confirm",
		map[string]any{"session_id": sessionID, "user_input": "yes"}, &conf))
	require.Nil(t, conf.Error)

	seen = collectUntilStatus(app, conn, string(models.StatusDone), 10*time.Second)
	var statuses []string
	for _, ev := range seen {
		require.Equal(t, sessionID, ev.SessionID)
		if ev.Type == events.EventStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{string(models.StatusExecuting), string(models.StatusDone)}, statuses)
}
