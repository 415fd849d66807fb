package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/errkind"
)

func TestUserIDAcceptsStringsAndNumbers(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    UserID
		wantErr bool
	}{
		{name: "string", body: `{"query":"q","user_id":"alice"}`, want: "alice"},
		{name: "integer", body: `{"query":"q","user_id":1}`, want: "1"},
		{name: "large integer keeps digits", body: `{"query":"q","user_id":9007199254740993}`, want: "9007199254740993"},
		{name: "object rejected", body: `{"query":"q","user_id":{"x":1}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req InterpretRequest
			err := json.Unmarshal([]byte(tt.body), &req)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.UserID)
		})
	}
}

func TestSessionStatusHelpers(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusParsing.Terminal())
	assert.False(t, StatusWaitingConfirm.Terminal())
	assert.False(t, StatusExecuting.Terminal())

	assert.True(t, StatusParsing.Valid())
	assert.False(t, SessionStatus("completed").Valid())
}

func TestNewErrorBody(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := errkind.Wrap(errkind.ToolExecutionTimeout, errors.New("deadline blew"))
		body := NewErrorBody(err)
		require.NotNil(t, body)
		assert.Equal(t, "TOOL_EXECUTION_TIMEOUT", body.Code)
		assert.Equal(t, "deadline blew", body.OriginalError)
		assert.True(t, body.ShouldRetry)
	})

	t.Run("raw error gets classified", func(t *testing.T) {
		body := NewErrorBody(errors.New("connection refused by peer"))
		require.NotNil(t, body)
		assert.Equal(t, "CONNECTION_REFUSED", body.Code)
	})

	t.Run("non-retryable hint", func(t *testing.T) {
		body := NewErrorBody(errkind.New(errkind.ValidationError))
		require.NotNil(t, body)
		assert.False(t, body.ShouldRetry)
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, NewErrorBody(nil))
	})
}
