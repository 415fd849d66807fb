package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/events"
	"github.com/toolgate/toolgate/pkg/models"
)

func TestCreateSessionUpsert(t *testing.T) {
	svc, _, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	session, err := svc.CreateSession(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, session.SessionID)
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, models.StatusParsing, session.Status)

	// Upserting an existing session keeps its status and user.
	require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{
		OriginalQuery: "q",
		ToolCalls:     []models.PendingToolCall{{ToolID: "echo"}},
	}))
	again, err := svc.CreateSession(ctx, id, "mallory")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingConfirm, again.Status)
	assert.Equal(t, "alice", again.UserID)
	assert.False(t, again.UpdatedAt.Before(session.UpdatedAt))
}

func TestCreateSessionRequiresID(t *testing.T) {
	svc, _, _ := setupSessionService(t)

	_, err := svc.CreateSession(context.Background(), "", "alice")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestGetSessionNotFound(t *testing.T) {
	svc, _, _ := setupSessionService(t)

	_, err := svc.GetSession(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	svc, client, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)

	require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{
		OriginalQuery: "echo abc",
		ToolCalls:     []models.PendingToolCall{{ToolID: "echo", Parameters: map[string]any{"text": "abc"}}},
	}))
	session, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingConfirm, session.Status)

	require.NoError(t, svc.BeginExecution(ctx, id, "user confirmed"))
	session, err = svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, session.Status)

	require.NoError(t, svc.CompleteExecution(ctx, id, &models.ExecutionPayload{
		Summary: "echoed abc",
		DetailedResults: []models.ToolOutcome{
			{ToolID: "echo", Server: "stub", Success: true, Data: "abc"},
		},
	}))
	session, err = svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, session.Status)

	// Exactly one log row per transition, and the session never trails
	// its own log.
	logs, err := svc.SessionLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.StepPendingTools, logs[0].Step)
	assert.Equal(t, models.StepConfirm, logs[1].Step)
	assert.Equal(t, models.StepExecuteConfirmed, logs[2].Step)
	assert.Equal(t, models.LogSuccess, logs[2].Status)
	for _, entry := range logs {
		assert.False(t, session.UpdatedAt.Before(entry.Timestamp),
			"session updated_at must not trail log %s", entry.Step)
	}

	// The payload is recoverable for idempotent confirms.
	payload, err := svc.LatestExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "echoed abc", payload.Summary)
	require.Len(t, payload.DetailedResults, 1)
	assert.Equal(t, "abc", payload.DetailedResults[0].Data)

	// No stray rows beyond the three transitions.
	var count int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT count(*) FROM logs WHERE session_id = $1`, id).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestTransitionFromTerminalRejected(t *testing.T) {
	svc, _, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)
	require.NoError(t, svc.Transition(ctx, id, models.StatusCancelled,
		models.StepCancel, models.LogInfo, "user walked away"))

	err = svc.Transition(ctx, id, models.StatusExecuting,
		models.StepConfirm, models.LogSuccess, "too late")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	session, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, session.Status)
}

func TestTransitionInvalidEdge(t *testing.T) {
	svc, _, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)

	// parsing cannot jump straight to done.
	err = svc.Transition(ctx, id, models.StatusDone,
		models.StepExecuteConfirmed, models.LogSuccess, "nope")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = svc.Transition(ctx, id, "bogus", models.StepConfirm, models.LogInfo, "")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	svc, _, _ := setupSessionService(t)
	ctx := context.Background()

	for _, setup := range []struct {
		name string
		prep func(id string)
	}{
		{name: "parsing", prep: func(string) {}},
		{name: "waiting_confirm", prep: func(id string) {
			require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{OriginalQuery: "q"}))
		}},
		{name: "executing", prep: func(id string) {
			require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{OriginalQuery: "q"}))
			require.NoError(t, svc.BeginExecution(ctx, id, "ok"))
		}},
	} {
		t.Run(setup.name, func(t *testing.T) {
			id := uuid.New().String()
			_, err := svc.CreateSession(ctx, id, "u1")
			require.NoError(t, err)
			setup.prep(id)

			require.NoError(t, svc.Transition(ctx, id, models.StatusCancelled,
				models.StepCancel, models.LogInfo, "cancelled"))
			session, err := svc.GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, session.Status)
		})
	}
}

func TestPendingToolsSingleWaitingRow(t *testing.T) {
	svc, client, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)

	require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{
		OriginalQuery: "first",
		ToolCalls:     []models.PendingToolCall{{ToolID: "echo", Parameters: map[string]any{"text": "one"}}},
	}))
	require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{
		OriginalQuery: "second",
		ToolCalls:     []models.PendingToolCall{{ToolID: "echo", Parameters: map[string]any{"text": "two"}}},
	}))

	// A new interpretation replaces the parked one: exactly one waiting row.
	var waiting int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT count(*) FROM logs WHERE session_id = $1 AND step = $2 AND status = $3`,
		id, models.StepPendingTools, models.LogWaiting).Scan(&waiting))
	assert.Equal(t, 1, waiting)

	payload, err := svc.PendingTools(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "second", payload.OriginalQuery)

	// Confirmation consumes the row.
	require.NoError(t, svc.BeginExecution(ctx, id, "go"))
	_, err = svc.PendingTools(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendLog(t *testing.T) {
	svc, _, _ := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)

	require.NoError(t, svc.AppendLog(ctx, id, models.StepInterpret, models.LogSuccess, "direct answer"))

	logs, err := svc.SessionLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StepInterpret, logs[0].Step)

	session, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsing, session.Status, "plain log rows do not move the state machine")
	assert.False(t, session.UpdatedAt.Before(logs[0].Timestamp))

	// Logging against a missing session fails cleanly.
	err = svc.AppendLog(ctx, uuid.New().String(), models.StepInterpret, models.LogSuccess, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLogsNotFound(t *testing.T) {
	svc, _, _ := setupSessionService(t)

	_, err := svc.SessionLogs(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpired(t *testing.T) {
	svc, client, _ := setupSessionService(t)
	ctx := context.Background()

	oldID := uuid.New().String()
	freshID := uuid.New().String()
	activeID := uuid.New().String()

	for _, id := range []string{oldID, freshID, activeID} {
		_, err := svc.CreateSession(ctx, id, "u1")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Transition(ctx, oldID, models.StatusCancelled, models.StepCancel, models.LogInfo, ""))
	require.NoError(t, svc.Transition(ctx, freshID, models.StatusCancelled, models.StepCancel, models.LogInfo, ""))

	// Age the first terminal session past the retention window.
	_, err := client.Pool().Exec(ctx,
		`UPDATE sessions SET updated_at = now() - interval '100 hours' WHERE session_id = $1`, oldID)
	require.NoError(t, err)

	deleted, err := svc.DeleteExpired(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = svc.GetSession(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetSession(ctx, freshID)
	assert.NoError(t, err, "terminal but inside the window")
	_, err = svc.GetSession(ctx, activeID)
	assert.NoError(t, err, "non-terminal sessions are never swept")

	// Log rows went with the session via the FK cascade.
	var orphans int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT count(*) FROM logs WHERE session_id = $1`, oldID).Scan(&orphans))
	assert.Zero(t, orphans)

	_, err = svc.DeleteExpired(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestTransitionPublishesEvents(t *testing.T) {
	svc, _, hub := setupSessionService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.CreateSession(ctx, id, "u1")
	require.NoError(t, err)

	stream, cancel := hub.Subscribe(id)
	defer cancel()

	require.NoError(t, svc.WritePendingTools(ctx, id, &models.PendingToolsPayload{OriginalQuery: "q"}))

	// Publish happens after commit and before WritePendingTools returns,
	// with the payload-carrying log event ahead of the status change.
	first := <-stream
	second := <-stream
	assert.Equal(t, events.EventLog, first.Type)
	assert.Equal(t, models.StepPendingTools, first.Step)
	assert.Equal(t, events.EventStatus, second.Type)
	assert.Equal(t, string(models.StatusWaitingConfirm), second.Status)
}
