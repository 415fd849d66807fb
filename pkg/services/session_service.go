package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/events"
	"github.com/toolgate/toolgate/pkg/models"
)

// Pending-tools log rows move through waiting → consumed (picked up by a
// confirm) or waiting → replaced (a newer interpretation superseded them),
// so at most one row per session is ever in waiting.
const (
	pendingConsumed = "consumed"
	pendingReplaced = "replaced"
)

// transitions is the session state machine: for each state the set of
// states reachable from it. Terminal states have no entry.
var transitions = map[models.SessionStatus]map[models.SessionStatus]bool{
	models.StatusParsing: {
		models.StatusWaitingConfirm: true,
		models.StatusExecuting:      true,
		models.StatusError:          true,
		models.StatusCancelled:      true,
	},
	models.StatusWaitingConfirm: {
		models.StatusWaitingConfirm: true, // a new interpretation replaces the parked one
		models.StatusExecuting:      true,
		models.StatusError:          true,
		models.StatusCancelled:      true,
	},
	models.StatusExecuting: {
		models.StatusDone:      true,
		models.StatusError:     true,
		models.StatusCancelled: true,
	},
}

// SessionService manages session lifecycle and the per-session audit log.
// Status updates and their log rows commit together; events go out only
// after the commit, log event first, so a subscriber acting on the new
// status already holds the row that explains it.
type SessionService struct {
	db     *database.Client
	events *events.Hub
}

// NewSessionService creates a new SessionService. The hub may be nil when
// no WebSocket stream is wired (tests).
func NewSessionService(db *database.Client, hub *events.Hub) *SessionService {
	return &SessionService{db: db, events: hub}
}

// CreateSession upserts a session row in the initial parsing state. An
// existing session keeps its status and user; only updated_at moves.
func (s *SessionService) CreateSession(httpCtx context.Context, sessionID, userID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var session models.Session
	err := s.db.Pool().QueryRow(ctx,
		`INSERT INTO sessions (session_id, user_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
		 RETURNING session_id, user_id, status, created_at, updated_at`,
		sessionID, userID, models.StatusParsing,
	).Scan(&session.SessionID, &session.UserID, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.db.Pool().QueryRow(ctx,
		`SELECT session_id, user_id, status, created_at, updated_at
		 FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&session.SessionID, &session.UserID, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// AppendLog writes one audit row without changing the session status. The
// session's updated_at still moves so it never trails its own log.
func (s *SessionService) AppendLog(httpCtx context.Context, sessionID, step, status, message string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO logs (session_id, step, status, message) VALUES ($1, $2, $3, $4)`,
		sessionID, step, status, message,
	); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit log: %w", err)
	}

	s.publishLog(sessionID, step, status, message)
	return nil
}

// Transition moves the session to a new status and writes the transition's
// log row, atomically. Transitions out of a terminal state are rejected
// with a validation error.
func (s *SessionService) Transition(httpCtx context.Context, sessionID string, to models.SessionStatus, step, logStatus, message string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.applyTransition(ctx, tx, sessionID, to, step, logStatus, message); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	s.publishLog(sessionID, step, logStatus, message)
	s.publishStatus(sessionID, to)
	return nil
}

// WritePendingTools parks the proposed tool calls for confirmation: any
// previous waiting row is marked replaced, the session enters
// waiting_confirm, and the payload rides in the transition's log row.
func (s *SessionService) WritePendingTools(httpCtx context.Context, sessionID string, payload *models.PendingToolsPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal pending tools: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE logs SET status = $1
		 WHERE session_id = $2 AND step = $3 AND status = $4`,
		pendingReplaced, sessionID, models.StepPendingTools, models.LogWaiting,
	); err != nil {
		return fmt.Errorf("failed to replace pending tools: %w", err)
	}

	if err := s.applyTransition(ctx, tx, sessionID, models.StatusWaitingConfirm,
		models.StepPendingTools, models.LogWaiting, string(body)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pending tools: %w", err)
	}

	s.publishLog(sessionID, models.StepPendingTools, models.LogWaiting, string(body))
	s.publishStatus(sessionID, models.StatusWaitingConfirm)
	return nil
}

// PendingTools returns the most recent parked tool calls still waiting for
// confirmation.
func (s *SessionService) PendingTools(ctx context.Context, sessionID string) (*models.PendingToolsPayload, error) {
	var body string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT message FROM logs
		 WHERE session_id = $1 AND step = $2 AND status = $3
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID, models.StepPendingTools, models.LogWaiting,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read pending tools: %w", err)
	}

	var payload models.PendingToolsPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("corrupt pending tools payload: %w", err)
	}
	return &payload, nil
}

// BeginExecution records the user's confirmation: the waiting pending-tools
// row is consumed and the session enters executing.
func (s *SessionService) BeginExecution(httpCtx context.Context, sessionID, message string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE logs SET status = $1
		 WHERE session_id = $2 AND step = $3 AND status = $4`,
		pendingConsumed, sessionID, models.StepPendingTools, models.LogWaiting,
	); err != nil {
		return fmt.Errorf("failed to consume pending tools: %w", err)
	}

	if err := s.applyTransition(ctx, tx, sessionID, models.StatusExecuting,
		models.StepConfirm, models.LogSuccess, message); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}

	s.publishLog(sessionID, models.StepConfirm, models.LogSuccess, message)
	s.publishStatus(sessionID, models.StatusExecuting)
	return nil
}

// CompleteExecution finishes a confirm-execute round: the session becomes
// done and the summary plus per-tool results ride in the execute_confirmed
// log row.
func (s *SessionService) CompleteExecution(httpCtx context.Context, sessionID string, payload *models.ExecutionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution results: %w", err)
	}
	return s.Transition(httpCtx, sessionID, models.StatusDone,
		models.StepExecuteConfirmed, models.LogSuccess, string(body))
}

// LatestExecution returns the payload of the most recent successful
// execute_confirmed row, for idempotent confirms after completion.
func (s *SessionService) LatestExecution(ctx context.Context, sessionID string) (*models.ExecutionPayload, error) {
	var body string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT message FROM logs
		 WHERE session_id = $1 AND step = $2 AND status = $3
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID, models.StepExecuteConfirmed, models.LogSuccess,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read execution results: %w", err)
	}

	var payload models.ExecutionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("corrupt execution payload: %w", err)
	}
	return &payload, nil
}

// SessionLogs returns the full audit trail of a session, oldest first.
func (s *SessionService) SessionLogs(ctx context.Context, sessionID string) ([]*models.LogEntry, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx,
		`SELECT id, session_id, step, status, message, timestamp
		 FROM logs WHERE session_id = $1
		 ORDER BY timestamp ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.LogEntry
	for rows.Next() {
		var entry models.LogEntry
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Step, &entry.Status,
			&entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		logs = append(logs, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate logs: %w", err)
	}

	return logs, nil
}

// DeleteExpired removes terminal sessions whose last activity is older than
// the retention window. Log rows go with them via the FK cascade.
func (s *SessionService) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention window must be positive, got %s", olderThan)
	}
	cutoff := time.Now().Add(-olderThan)

	// Use background context with timeout for the sweep
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tag, err := s.db.Pool().Exec(deleteCtx,
		`DELETE FROM sessions
		 WHERE status = ANY($1) AND updated_at < $2`,
		[]string{string(models.StatusDone), string(models.StatusError), string(models.StatusCancelled)},
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}

// applyTransition locks the session row, validates the move, updates the
// status, and appends the transition's log row. Commit stays with the caller.
func (s *SessionService) applyTransition(ctx context.Context, tx pgx.Tx, sessionID string, to models.SessionStatus, step, logStatus, message string) error {
	if !to.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}

	var current models.SessionStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM sessions WHERE session_id = $1 FOR UPDATE`,
		sessionID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock session: %w", err)
	}

	if current.Terminal() {
		return NewValidationError("status",
			fmt.Sprintf("session is already %s; no further transitions allowed", current))
	}
	if !transitions[current][to] {
		return NewValidationError("status",
			fmt.Sprintf("cannot transition from %s to %s", current, to))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = now() WHERE session_id = $2`,
		to, sessionID,
	); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO logs (session_id, step, status, message) VALUES ($1, $2, $3, $4)`,
		sessionID, step, logStatus, message,
	); err != nil {
		return fmt.Errorf("failed to append transition log: %w", err)
	}

	return nil
}

func (s *SessionService) publishStatus(sessionID string, status models.SessionStatus) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.SessionEvent{
		SessionID: sessionID,
		Type:      events.EventStatus,
		Status:    string(status),
	})
}

func (s *SessionService) publishLog(sessionID, step, status, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.SessionEvent{
		SessionID: sessionID,
		Type:      events.EventLog,
		Step:      step,
		Status:    status,
		Message:   message,
	})
}
