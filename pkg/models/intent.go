package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toolgate/toolgate/pkg/errkind"
)

// UserID accepts callers that send user ids as JSON strings or numbers and
// normalises both to a string.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*u = UserID(n.String())
		return nil
	}
	return fmt.Errorf("user_id must be a string or a number, got %s", data)
}

func (u UserID) String() string {
	return string(u)
}

// Response type discriminators for interpret.
const (
	ResponseToolCall = "tool_call"
	ResponseDirect   = "direct_response"
)

// InterpretRequest asks the gateway what to do with a user query.
type InterpretRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	UserID    UserID `json:"user_id"`
}

// InterpretResponse is either a direct answer or a set of proposed tool
// calls waiting for the user's confirmation.
type InterpretResponse struct {
	Type        string            `json:"type"`
	Content     string            `json:"content,omitempty"`
	ToolCalls   []PendingToolCall `json:"tool_calls,omitempty"`
	ConfirmText string            `json:"confirm_text,omitempty"`
	SessionID   string            `json:"session_id"`
}

// ConfirmRequest carries the user's reply to a confirmation question.
type ConfirmRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

// ConfirmResponse is the outcome of a confirm-execute round. It never
// carries a transport error: failures are embedded so clients can always
// render something.
type ConfirmResponse struct {
	SessionID       string        `json:"session_id"`
	Success         bool          `json:"success"`
	Content         string        `json:"content,omitempty"`
	Error           *ErrorBody    `json:"error,omitempty"`
	DetailedResults []ToolOutcome `json:"detailed_results,omitempty"`
}

// ExecuteRequest invokes a single tool directly, bypassing interpretation.
type ExecuteRequest struct {
	ToolID    string         `json:"tool_id"`
	Params    map[string]any `json:"params"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    UserID         `json:"user_id,omitempty"`
	Server    string         `json:"server,omitempty"`
}

// ExecuteResponse is the outcome of a direct tool invocation.
type ExecuteResponse struct {
	ToolID    string     `json:"tool_id"`
	Success   bool       `json:"success"`
	Data      string     `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}

// ErrorBody is the stable wire shape for classified errors.
type ErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	OriginalError string `json:"original_error,omitempty"`
	ShouldRetry   bool   `json:"should_retry"`
}

// NewErrorBody converts any error into the wire shape, classifying raw
// errors on the way.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var ce *errkind.Error
	if !errors.As(err, &ce) {
		ce = errkind.Wrap(errkind.Classify(err), err)
	}
	body := &ErrorBody{
		Code:        string(ce.Kind),
		Message:     ce.Message,
		ShouldRetry: ce.ShouldRetry(),
	}
	if ce.Original != nil {
		body.OriginalError = ce.Original.Error()
	}
	return body
}
