package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRegistryFile(t *testing.T) {
	path := writeRegistry(t, `{
		"mcpServers": {
			"weather": {
				"command": "npx",
				"args": ["-y", "@openweather/mcp-server"],
				"env": {"OPENWEATHER_API_KEY": "${OPENWEATHER_API_KEY}"},
				"required_env": ["OPENWEATHER_API_KEY"],
				"success_indicators": ["weather server ready"],
				"timeout": {"ping": 3, "warmup": 8, "validation": 20, "default": 25},
				"description": "Weather lookups"
			},
			"files": {
				"command": "/usr/local/bin/files-server",
				"timeout": 90,
				"enabled": false
			},
			"echo": {
				"command": "python3",
				"args": ["-m", "echo_mcp"]
			}
		}
	}`)

	servers, err := LoadRegistryFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, servers, 3)

	weather := servers["weather"]
	require.NotNil(t, weather)
	assert.Equal(t, "weather", weather.Name)
	assert.Equal(t, "npx", weather.Command)
	assert.True(t, weather.Enabled)
	assert.Equal(t, []string{"weather server ready"}, weather.SuccessIndicators)
	assert.Equal(t, 3*time.Second, weather.Timeouts.Ping)
	assert.Equal(t, 8*time.Second, weather.Timeouts.Warmup)
	assert.Equal(t, 20*time.Second, weather.Timeouts.Validation)
	assert.Equal(t, 25*time.Second, weather.Timeouts.Default)
	assert.False(t, weather.Slow())
	// Derived patterns: command basename + scoped package + short name.
	assert.Contains(t, weather.Patterns, "npx")
	assert.Contains(t, weather.Patterns, "@openweather/mcp-server")
	assert.Contains(t, weather.Patterns, "mcp-server")

	files := servers["files"]
	require.NotNil(t, files)
	assert.False(t, files.Enabled)
	assert.Equal(t, 90*time.Second, files.Timeouts.Default)
	assert.Equal(t, DefaultPingTimeout, files.Timeouts.Ping)
	assert.True(t, files.Slow())

	echo := servers["echo"]
	require.NotNil(t, echo)
	assert.True(t, echo.Enabled)
	assert.Equal(t, defaultSuccessIndicators, echo.SuccessIndicators)
	assert.Contains(t, echo.Patterns, "echo_mcp")
}

func TestLoadRegistryFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "invalid JSON",
			content: `{"mcpServers": `,
			wantErr: ErrInvalidJSON,
		},
		{
			name:    "missing mcpServers key",
			content: `{"servers": {}}`,
			wantErr: ErrInvalidJSON,
		},
		{
			name:    "missing command",
			content: `{"mcpServers": {"bad": {"args": ["x"]}}}`,
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "zero timeout",
			content: `{"mcpServers": {"bad": {"command": "x", "timeout": {"ping": -1}}}}`,
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRegistry(t, tt.content)
			_, err := LoadRegistryFile(context.Background(), path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadRegistryFileNotFound(t *testing.T) {
	_, err := LoadRegistryFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Server: "weather", Field: "command", Err: ErrMissingRequiredField}
	assert.Contains(t, err.Error(), "weather")
	assert.Contains(t, err.Error(), "command")
	assert.True(t, errors.Is(err, ErrMissingRequiredField))
}

func TestReloadIdenticalFileIsNoOp(t *testing.T) {
	path := writeRegistry(t, `{"mcpServers": {"echo": {"command": "python3", "args": ["-m", "echo_mcp"]}}}`)

	servers, err := LoadRegistryFile(context.Background(), path)
	require.NoError(t, err)

	cfg := &Config{Servers: NewRegistry(servers), App: &AppConfig{}, RegistryPath: path}
	require.Equal(t, 1, cfg.Servers.Version())

	diff, version, err := cfg.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Empty())
	assert.Equal(t, 2, version)
}

func TestReloadComputesDiff(t *testing.T) {
	path := writeRegistry(t, `{"mcpServers": {
		"echo":  {"command": "python3", "args": ["-m", "echo_mcp"]},
		"files": {"command": "/usr/local/bin/files-server"}
	}}`)

	servers, err := LoadRegistryFile(context.Background(), path)
	require.NoError(t, err)
	cfg := &Config{Servers: NewRegistry(servers), App: &AppConfig{}, RegistryPath: path}

	// echo changes args, files disappears, weather appears.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {
		"echo":    {"command": "python3", "args": ["-m", "echo_mcp", "--verbose"]},
		"weather": {"command": "npx", "args": ["-y", "@openweather/mcp-server"]}
	}}`), 0o644))

	diff, version, err := cfg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, []string{"weather"}, diff.Added)
	assert.Equal(t, []string{"files"}, diff.Removed)
	assert.Equal(t, []string{"echo"}, diff.Changed)
}

func TestReloadInvalidFileLeavesRegistryUntouched(t *testing.T) {
	path := writeRegistry(t, `{"mcpServers": {"echo": {"command": "python3"}}}`)

	servers, err := LoadRegistryFile(context.Background(), path)
	require.NoError(t, err)
	cfg := &Config{Servers: NewRegistry(servers), App: &AppConfig{}, RegistryPath: path}

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"echo": {}}}`), 0o644))

	_, version, err := cfg.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, version)
	assert.True(t, cfg.Servers.Has("echo"))
	sc, err := cfg.Servers.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "python3", sc.Command)
}

func TestInitializeFromEnvPath(t *testing.T) {
	path := writeRegistry(t, `{"mcpServers": {"echo": {"command": "python3"}}}`)
	t.Setenv("MCP_SERVERS_PATH", path)
	t.Setenv("TOOLGATE_CONFIG", "")

	cfg, err := Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, cfg.RegistryPath)
	assert.True(t, cfg.Servers.Has("echo"))
	assert.Equal(t, 3600, cfg.App.Supervisor.CheckIntervalSeconds)
}
