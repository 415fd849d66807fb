package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	StatusParsing        SessionStatus = "parsing"
	StatusWaitingConfirm SessionStatus = "waiting_confirm"
	StatusExecuting      SessionStatus = "executing"
	StatusDone           SessionStatus = "done"
	StatusError          SessionStatus = "error"
	StatusCancelled      SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a member of the canonical set.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusParsing, StatusWaitingConfirm, StatusExecuting,
		StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Session is one user conversation tracked through the state machine.
type Session struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Log step names. Two of them carry JSON payloads in the message column:
// pending_tools holds the parked tool calls awaiting confirmation, and
// execute_confirmed holds the summary plus per-tool results.
const (
	StepInterpret        = "interpret"
	StepPendingTools     = "pending_tools"
	StepConfirm          = "confirm"
	StepExecuteConfirmed = "execute_confirmed"
	StepExecute          = "execute"
	StepCancel           = "cancel"
)

// Log row statuses.
const (
	LogSuccess = "success"
	LogError   = "error"
	LogWaiting = "waiting"
	LogInfo    = "info"
)

// LogEntry is one row of a session's audit trail.
type LogEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingToolCall is one tool invocation parked for user confirmation.
type PendingToolCall struct {
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters"`
}

// PendingToolsPayload is the JSON body of a pending_tools log row.
type PendingToolsPayload struct {
	ToolCalls     []PendingToolCall `json:"tool_calls"`
	OriginalQuery string            `json:"original_query"`
}

// ToolOutcome is one tool's result inside an execute_confirmed payload.
type ToolOutcome struct {
	ToolID  string `json:"tool_id"`
	Server  string `json:"server,omitempty"`
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionPayload is the JSON body of an execute_confirmed log row.
type ExecutionPayload struct {
	Summary         string        `json:"summary"`
	DetailedResults []ToolOutcome `json:"detailed_results"`
}
