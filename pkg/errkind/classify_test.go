package errkind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNetError implements net.Error for testing.
type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: ConnectionTimeout,
		},
		{
			name:     "wrapped deadline exceeded",
			err:      fmt.Errorf("list tools: %w", context.DeadlineExceeded),
			expected: ConnectionTimeout,
		},
		{
			name:     "context canceled",
			err:      context.Canceled,
			expected: InternalError,
		},
		{
			name:     "EOF",
			err:      io.EOF,
			expected: ConnectionLost,
		},
		{
			name:     "unexpected EOF",
			err:      io.ErrUnexpectedEOF,
			expected: ConnectionLost,
		},
		{
			name:     "closed pipe",
			err:      io.ErrClosedPipe,
			expected: ConnectionLost,
		},
		{
			name:     "net timeout",
			err:      &mockNetError{timeout: true, msg: "i/o timeout"},
			expected: ConnectionTimeout,
		},
		{
			name:     "net non-timeout",
			err:      &mockNetError{timeout: false, msg: "network unreachable"},
			expected: ConnectionFailed,
		},
		{
			name:     "connection refused text",
			err:      errors.New("dial: connection refused"),
			expected: ConnectionRefused,
		},
		{
			name:     "connection reset text",
			err:      errors.New("read: connection reset by peer"),
			expected: ConnectionLost,
		},
		{
			name:     "broken pipe text",
			err:      errors.New("write: broken pipe"),
			expected: ConnectionLost,
		},
		{
			name:     "ENOENT errno",
			err:      syscall.ENOENT,
			expected: ProcessStartFailed,
		},
		{
			name:     "executable not found text",
			err:      errors.New(`exec: "nonexistent-server": executable file not found in $PATH`),
			expected: ProcessStartFailed,
		},
		{
			name:     "permission errno",
			err:      syscall.EACCES,
			expected: ProcessPermissionDenied,
		},
		{
			name:     "access denied text",
			err:      errors.New("spawn failed: access denied"),
			expected: ProcessPermissionDenied,
		},
		{
			name:     "zombie text",
			err:      errors.New("process 1234 is a zombie"),
			expected: ProcessZombie,
		},
		{
			name:     "killed by signal",
			err:      errors.New("signal: killed"),
			expected: ProcessCrashed,
		},
		{
			name:     "exit status",
			err:      errors.New("exit status 1"),
			expected: ProcessCrashed,
		},
		{
			name:     "too many open files",
			err:      errors.New("accept: too many open files"),
			expected: ResourceExhausted,
		},
		{
			name:     "tool not found text",
			err:      errors.New("tool not found: frobnicate"),
			expected: ToolNotFound,
		},
		{
			name:     "invalid params text",
			err:      errors.New("server rejected call: invalid params"),
			expected: ToolInvalidParams,
		},
		{
			name:     "timeout text",
			err:      errors.New("operation timed out after 30s"),
			expected: ConnectionTimeout,
		},
		{
			name:     "unknown",
			err:      errors.New("something inexplicable"),
			expected: UnknownError,
		},
		{
			name:     "already classified keeps kind",
			err:      New(ServerCrashed),
			expected: ServerCrashed,
		},
		{
			name:     "wrapped classified keeps kind",
			err:      fmt.Errorf("acquire: %w", New(ToolNotFound)),
			expected: ToolNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	nonRetryableKinds := []Kind{
		ConfigInvalid, ConfigNotFound, ConfigMissingRequired,
		ProcessPermissionDenied, ValidationError, ToolNotFound, ToolInvalidParams,
	}
	for _, k := range nonRetryableKinds {
		assert.False(t, Retryable(k), "kind %s must not be retryable", k)
	}

	retryableKinds := []Kind{
		ConnectionFailed, ConnectionTimeout, ConnectionLost, ConnectionRefused,
		ServerCrashed, ServerUnavailable, ToolExecutionTimeout, UnknownError,
	}
	for _, k := range retryableKinds {
		assert.True(t, Retryable(k), "kind %s must be retryable", k)
	}
}

func TestIsConnectionClass(t *testing.T) {
	assert.True(t, IsConnectionClass(ConnectionLost))
	assert.True(t, IsConnectionClass(ServerCrashed))
	assert.True(t, IsConnectionClass(ProcessCrashed))
	assert.False(t, IsConnectionClass(ToolExecutionTimeout))
	assert.False(t, IsConnectionClass(ValidationError))
}

func TestWrapKeepsFirstClassification(t *testing.T) {
	inner := New(ConnectionRefused)
	outer := Wrap(UnknownError, fmt.Errorf("attempt 2: %w", inner))
	assert.Equal(t, ConnectionRefused, outer.Kind)
}

func TestWrapNil(t *testing.T) {
	var err *Error = Wrap(InternalError, nil)
	assert.Nil(t, err)
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("read /proc/1234/stat: no such process")
	err := Wrap(ProcessCrashed, cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, ProcessCrashed, KindOf(err))
	assert.Equal(t, ProcessCrashed, KindOf(fmt.Errorf("outer: %w", err)))
	assert.True(t, err.ShouldRetry())
}

func TestUserMessageFallback(t *testing.T) {
	assert.Equal(t, userMessages[UnknownError], UserMessage(Kind("NOT_A_KIND")))
	assert.NotEmpty(t, UserMessage(ToolExecutionTimeout))
}
