// Package errkind defines the closed error taxonomy shared by the process
// manager, the connection pool, the executor, and the HTTP edge.
//
// Every failure that crosses a component boundary is carried as an *Error
// holding one of the Kind codes below. The string codes are part of the
// external API (HTTP error bodies) and must not change.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a user-facing error code.
type Kind string

const (
	ConnectionFailed  Kind = "CONNECTION_FAILED"
	ConnectionTimeout Kind = "CONNECTION_TIMEOUT"
	ConnectionLost    Kind = "CONNECTION_LOST"
	ConnectionRefused Kind = "CONNECTION_REFUSED"

	ServerNotFound    Kind = "SERVER_NOT_FOUND"
	ServerStartFailed Kind = "SERVER_START_FAILED"
	ServerUnavailable Kind = "SERVER_UNAVAILABLE"
	ServerCrashed     Kind = "SERVER_CRASHED"

	ToolNotFound         Kind = "TOOL_NOT_FOUND"
	ToolExecutionFailed  Kind = "TOOL_EXECUTION_FAILED"
	ToolExecutionTimeout Kind = "TOOL_EXECUTION_TIMEOUT"
	ToolInvalidParams    Kind = "TOOL_INVALID_PARAMS"

	ConfigNotFound        Kind = "CONFIG_NOT_FOUND"
	ConfigInvalid         Kind = "CONFIG_INVALID"
	ConfigMissingRequired Kind = "CONFIG_MISSING_REQUIRED"

	ProcessStartFailed      Kind = "PROCESS_START_FAILED"
	ProcessCrashed          Kind = "PROCESS_CRASHED"
	ProcessZombie           Kind = "PROCESS_ZOMBIE"
	ProcessPermissionDenied Kind = "PROCESS_PERMISSION_DENIED"

	ResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	ValidationError   Kind = "VALIDATION_ERROR"
	InternalError     Kind = "INTERNAL_ERROR"
	UnknownError      Kind = "UNKNOWN_ERROR"
)

// userMessages maps each kind to its user-facing message template.
// Kept short and actionable; the original error is carried separately.
var userMessages = map[Kind]string{
	ConnectionFailed:  "Could not connect to the tool server.",
	ConnectionTimeout: "The tool server did not respond in time.",
	ConnectionLost:    "The connection to the tool server was lost.",
	ConnectionRefused: "The tool server refused the connection.",

	ServerNotFound:    "The requested tool server is not configured.",
	ServerStartFailed: "The tool server failed to start.",
	ServerUnavailable: "The tool server is currently unavailable.",
	ServerCrashed:     "The tool server crashed during the operation.",

	ToolNotFound:         "The requested tool does not exist.",
	ToolExecutionFailed:  "The tool reported a failure.",
	ToolExecutionTimeout: "The tool call timed out.",
	ToolInvalidParams:    "The tool call parameters are invalid.",

	ConfigNotFound:        "The server configuration was not found.",
	ConfigInvalid:         "The server configuration is invalid.",
	ConfigMissingRequired: "A required configuration value is missing.",

	ProcessStartFailed:      "The server process could not be started.",
	ProcessCrashed:          "The server process exited unexpectedly.",
	ProcessZombie:           "The server process is defunct.",
	ProcessPermissionDenied: "Permission denied while managing the server process.",

	ResourceExhausted: "The system is out of resources for this operation.",
	ValidationError:   "The request is invalid.",
	InternalError:     "An internal error occurred.",
	UnknownError:      "An unknown error occurred.",
}

// nonRetryable kinds fail fast: retrying cannot change the outcome.
var nonRetryable = map[Kind]bool{
	ConfigInvalid:           true,
	ConfigNotFound:          true,
	ConfigMissingRequired:   true,
	ProcessPermissionDenied: true,
	ValidationError:         true,
	ToolNotFound:            true,
	ToolInvalidParams:       true,
}

// connectionClass kinds indicate the transport (or the process behind it)
// is gone; the pool must evict before the error is returned.
var connectionClass = map[Kind]bool{
	ConnectionFailed:  true,
	ConnectionTimeout: true,
	ConnectionLost:    true,
	ConnectionRefused: true,
	ServerCrashed:     true,
	ProcessCrashed:    true,
}

// UserMessage returns the user-facing message template for a kind.
func UserMessage(k Kind) string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[UnknownError]
}

// Retryable reports whether an operation failing with this kind may be retried.
func Retryable(k Kind) bool {
	return !nonRetryable[k]
}

// IsConnectionClass reports whether the kind warrants pool eviction.
func IsConnectionClass(k Kind) bool {
	return connectionClass[k]
}

// Error is a classified error. It wraps the original cause so callers can
// still use errors.Is/As on the chain.
type Error struct {
	Kind     Kind
	Message  string // user-facing; defaults to the kind's template
	Original error
}

func (e *Error) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Original)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Original
}

// ShouldRetry is the user-facing retry hint carried in HTTP error bodies.
func (e *Error) ShouldRetry() bool {
	return Retryable(e.Kind)
}

// New returns a classified error with the kind's default user message.
func New(k Kind) *Error {
	return &Error{Kind: k, Message: UserMessage(k)}
}

// Newf returns a classified error with a custom user-facing message.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under the given kind, keeping it as the cause.
// A nil err yields nil. If err is already an *Error it is returned as is
// so the first classification wins.
func Wrap(k Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: k, Message: UserMessage(k), Original: err}
}

// KindOf extracts the kind from a classified error, falling back to the
// text classifier for raw errors. Nil maps to the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
