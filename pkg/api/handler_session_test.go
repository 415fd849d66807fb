package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/services"
	testutil "github.com/toolgate/toolgate/test/util"
)

func newSessionTestServer(t *testing.T) (*Server, *services.SessionService) {
	t.Helper()
	client := testutil.SetupTestDatabase(t)
	sessions := services.NewSessionService(client, nil)

	e := echo.New()
	s := &Server{echo: e, sessions: sessions, logger: testLogger()}
	e.GET("/sessions/:id", s.getSessionHandler)
	e.GET("/sessions/:id/logs", s.sessionLogsHandler)
	return s, sessions
}

func getPath(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetSessionHandler(t *testing.T) {
	s, sessions := newSessionTestServer(t)
	ctx := context.Background()

	_, err := sessions.CreateSession(ctx, "sess-api-1", "alice")
	require.NoError(t, err)

	rec := getPath(s, "/sessions/sess-api-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var session models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "sess-api-1", session.SessionID)
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, models.StatusParsing, session.Status)
	assert.False(t, session.CreatedAt.IsZero())
}

func TestGetSessionHandlerNotFound(t *testing.T) {
	s, _ := newSessionTestServer(t)

	rec := getPath(s, "/sessions/no-such-session")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLogsHandler(t *testing.T) {
	s, sessions := newSessionTestServer(t)
	ctx := context.Background()

	_, err := sessions.CreateSession(ctx, "sess-api-2", "bob")
	require.NoError(t, err)
	require.NoError(t, sessions.AppendLog(ctx, "sess-api-2", models.StepInterpret, models.LogSuccess, "direct answer"))
	require.NoError(t, sessions.Transition(ctx, "sess-api-2", models.StatusWaitingConfirm,
		models.StepPendingTools, models.LogWaiting, `{"tool_calls":[],"original_query":"q"}`))

	rec := getPath(s, "/sessions/sess-api-2/logs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionLogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-api-2", resp.SessionID)
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, models.StepInterpret, resp.Logs[0].Step)
	assert.Equal(t, models.StepPendingTools, resp.Logs[1].Step)
	assert.JSONEq(t, `{"tool_calls":[],"original_query":"q"}`, resp.Logs[1].Message)
}

func TestSessionLogsHandlerNotFound(t *testing.T) {
	s, _ := newSessionTestServer(t)

	rec := getPath(s, "/sessions/no-such-session/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
