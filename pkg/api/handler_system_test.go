package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/proc"
	"github.com/toolgate/toolgate/pkg/services"
	testutil "github.com/toolgate/toolgate/test/util"
)

const demoRegistry = `{"mcpServers": {"demo": {"command": "/bin/cat", "enabled": false, "description": "demo server"}}}`

// newSystemTestServer loads a registry from a temp file and wires a real
// manager and pool around it. Nothing is started; the demo server stays
// disabled.
func newSystemTestServer(t *testing.T, registryJSON string) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(registryJSON), 0o644))

	servers, err := config.LoadRegistryFile(context.Background(), path)
	require.NoError(t, err)
	app, err := config.LoadApp("")
	require.NoError(t, err)
	cfg := &config.Config{Servers: config.NewRegistry(servers), App: app, RegistryPath: path}

	rec := metrics.NewRecorder(64)
	manager := proc.NewManager(cfg, nil, rec)
	pool := mcp.NewPool(manager, cfg.Servers, app.Pool, rec, testLogger())

	e := echo.New()
	s := &Server{echo: e, cfg: cfg, manager: manager, pool: pool, metrics: rec, logger: testLogger()}
	e.GET("/servers", s.listServersHandler)
	e.POST("/servers/:name/restart", s.restartServerHandler)
	e.POST("/servers/:name/reset", s.resetFailuresHandler)
	e.POST("/config/reload", s.reloadConfigHandler)
	e.GET("/metrics", s.metricsHandler)
	return s
}

func postPath(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestListServersHandler(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)

	rec := getPath(s, "/servers")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ServersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Servers, 1)
	assert.Equal(t, "demo", resp.Servers[0].Name)
	assert.False(t, resp.Servers[0].Enabled)
	assert.False(t, resp.Servers[0].Running)
	assert.False(t, resp.Servers[0].Connected)
}

func TestRestartServerHandlerErrors(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)

	// Unknown server.
	rec := postPath(s, "/servers/ghost/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Known but disabled: the manager refuses, surfaced as a gateway error.
	rec = postPath(s, "/servers/demo/restart")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestResetFailuresHandler(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)

	rec := postPath(s, "/servers/demo/reset")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ResetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "demo", resp.Server)
	assert.True(t, resp.Reset)

	rec = postPath(s, "/servers/ghost/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadConfigHandler(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)
	require.Equal(t, 1, s.cfg.Servers.Version())

	// Add a second (disabled) server to the file and reload.
	updated := `{"mcpServers": {
		"demo":  {"command": "/bin/cat", "enabled": false},
		"extra": {"command": "/bin/cat", "enabled": false}
	}}`
	require.NoError(t, os.WriteFile(s.cfg.RegistryPath, []byte(updated), 0o644))

	rec := postPath(s, "/config/reload")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Version)
	assert.Equal(t, []string{"extra"}, resp.Added)
	assert.Empty(t, resp.Removed)
	assert.Empty(t, resp.Changed)

	assert.True(t, s.cfg.Servers.Has("extra"))

	// The manager now tracks the added server.
	found := false
	for _, st := range s.manager.Statuses() {
		if st.Name == "extra" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReloadConfigHandlerRejectsBadFile(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)

	require.NoError(t, os.WriteFile(s.cfg.RegistryPath, []byte(`{"mcpServers": {"demo": {}}}`), 0o644))

	rec := postPath(s, "/config/reload")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The running config is untouched.
	assert.Equal(t, 1, s.cfg.Servers.Version())
	assert.True(t, s.cfg.Servers.Has("demo"))
}

func TestMetricsHandler(t *testing.T) {
	s := newSystemTestServer(t, demoRegistry)
	s.metrics.Record("tool_call", 5*time.Millisecond, true)
	s.metrics.Record("tool_call", 7*time.Millisecond, false)

	rec := getPath(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]metrics.OpStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Contains(t, snapshot, "tool_call")
	assert.Equal(t, uint64(2), snapshot["tool_call"].Count)
	assert.Equal(t, uint64(1), snapshot["tool_call"].Errors)
}

func TestListToolsHandler(t *testing.T) {
	client := testutil.SetupTestDatabase(t)
	tools := services.NewToolService(client)
	ctx := context.Background()

	require.NoError(t, tools.Upsert(ctx, []models.ToolRecord{
		{ToolID: "get_weather", Name: "get_weather", Type: models.ToolTypeMCP, ServerName: "weather", Enabled: true},
		{ToolID: "send_mail", Name: "send_mail", Type: models.ToolTypeMCP, ServerName: "mail", Enabled: true},
	}))
	require.NoError(t, tools.SetEnabled(ctx, "send_mail", false))

	e := echo.New()
	s := &Server{echo: e, tools: tools, logger: testLogger()}
	e.GET("/tools", s.listToolsHandler)

	rec := getPath(s, "/tools")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = getPath(s, "/tools?enabled=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var enabledResp ToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enabledResp))
	require.Equal(t, 1, enabledResp.Count)
	assert.Equal(t, "get_weather", enabledResp.Tools[0].ToolID)
}
