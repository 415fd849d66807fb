package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandString(t *testing.T) {
	t.Setenv("TG_TEST_API_KEY", "secret-123")
	t.Setenv("TG_TEST_HOST", "db.internal")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain value untouched",
			input:    "no variables here",
			expected: "no variables here",
		},
		{
			name:     "single variable",
			input:    "${TG_TEST_API_KEY}",
			expected: "secret-123",
		},
		{
			name:     "embedded variables",
			input:    "${TG_TEST_HOST}:5432",
			expected: "db.internal:5432",
		},
		{
			name:     "missing variable expands empty",
			input:    "${TG_TEST_DOES_NOT_EXIST}",
			expected: "",
		},
		{
			name:     "bare dollar preserved",
			input:    "p@ss$word",
			expected: "p@ss$word",
		},
		{
			name:     "regex anchors preserved",
			input:    "^secret.*$",
			expected: "^secret.*$",
		},
		{
			name:     "non-variable braces preserved",
			input:    "${ARRAY[0]}",
			expected: "${ARRAY[0]}",
		},
		{
			name:     "unterminated brace preserved",
			input:    "${TG_TEST_API_KEY",
			expected: "${TG_TEST_API_KEY",
		},
		{
			name:     "mixed literal and variable",
			input:    "key=${TG_TEST_API_KEY};cost=$5",
			expected: "key=secret-123;cost=$5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandString(tt.input))
		})
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("TG_TEST_TOKEN", "tok-99")

	sc := &ServerConfig{
		Name:    "weather",
		Command: "npx",
		Env: map[string]string{
			"API_TOKEN": "${TG_TEST_TOKEN}",
			"MODE":      "production",
			"EMPTYVAR":  "${TG_TEST_UNSET_VAR}",
		},
		RequiredEnv: []string{"API_TOKEN", "EMPTYVAR"},
	}

	env, missing := sc.ResolveEnv()
	assert.Equal(t, []string{"EMPTYVAR"}, missing)
	assert.Contains(t, env, "API_TOKEN=tok-99")
	assert.Contains(t, env, "MODE=production")

	// Process environment is carried along.
	assert.Contains(t, env, "TG_TEST_TOKEN=tok-99")
}

func TestResolveEnvRequiredFromProcessEnv(t *testing.T) {
	t.Setenv("TG_TEST_PRESENT", "yes")

	sc := &ServerConfig{
		Name:        "files",
		Command:     "files-server",
		RequiredEnv: []string{"TG_TEST_PRESENT"},
	}

	_, missing := sc.ResolveEnv()
	assert.Empty(t, missing)
}
