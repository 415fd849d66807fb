// Package e2e boots the complete gateway — real database, process
// manager, connection pool, LLM client, and HTTP server — and drives it
// over the wire the way a chat frontend would. Tool servers are shell
// scripts speaking the line protocol; the model is an OpenAI-compatible
// scripted endpoint.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/alerts"
	"github.com/toolgate/toolgate/pkg/api"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/events"
	"github.com/toolgate/toolgate/pkg/llm"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/orchestrator"
	"github.com/toolgate/toolgate/pkg/proc"
	"github.com/toolgate/toolgate/pkg/services"
	testutil "github.com/toolgate/toolgate/test/util"
)

// TestApp is a complete gateway instance for end-to-end tests.
type TestApp struct {
	Config   *config.Config
	DB       *database.Client
	Sessions *services.SessionService
	Tools    *services.ToolService
	Manager  *proc.Manager
	Pool     *mcp.Pool
	Hub      *events.Hub
	Metrics  *metrics.Recorder
	LLM      *ScriptedLLM

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	serverName string
	script     string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithToolServer swaps the default weather server for another scripted
// one.
func WithToolServer(name, script string) TestAppOption {
	return func(c *testAppConfig) {
		c.serverName = name
		c.script = script
	}
}

// NewTestApp creates and starts a full gateway instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{serverName: "weather", script: weatherToolServer}
	for _, opt := range opts {
		opt(tc)
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 1. Registry: one scripted tool server reached through /bin/sh. The
	// pattern is deliberately non-matching so adoption never picks up
	// unrelated processes on the test host.
	scriptPath := writeScript(t, tc.script)
	registryPath := filepath.Join(t.TempDir(), "mcp.json")
	registry := fmt.Sprintf(`{"mcpServers": {%q: {
		"command": "/bin/sh",
		"args": [%q],
		"enabled": true,
		"success_indicators": ["tool server ready"],
		"patterns": ["toolgate-e2e-no-such-pattern"],
		"description": "scripted line-protocol server"
	}}}`, tc.serverName, scriptPath)
	require.NoError(t, os.WriteFile(registryPath, []byte(registry), 0o644))

	servers, err := config.LoadRegistryFile(ctx, registryPath)
	require.NoError(t, err)
	app, err := config.LoadApp("")
	require.NoError(t, err)
	app.Supervisor.CooldownSeconds = 0
	app.Supervisor.GracefulTimeoutSeconds = 1
	cfg := &config.Config{Servers: config.NewRegistry(servers), App: app, RegistryPath: registryPath}

	// 2. Database and event hub.
	db := testutil.SetupTestDatabase(t)
	hub := events.NewHub()
	t.Cleanup(hub.Close)

	// 3. Process manager and connection pool.
	rec := metrics.NewRecorder(metrics.DefaultWindow)
	manager := proc.NewManager(cfg, alerts.NewLogSink(), rec)
	pool := mcp.NewPool(manager, cfg.Servers, app.Pool, rec, logger)
	manager.SetEvictFunc(pool.Evict)

	// 4. Real LLM client pointed at the scripted endpoint.
	scripted := NewScriptedLLM(t)
	model := llm.New(&llm.Config{
		APIKey:      "test-key",
		BaseURL:     scripted.URL(),
		Model:       llm.DefaultModel,
		Timeout:     10 * time.Second,
		Temperature: llm.DefaultTemperature,
		MaxTokens:   llm.DefaultMaxTokens,
	}, rec, logger)

	// 5. Services and the pipeline.
	sessions := services.NewSessionService(db, hub)
	tools := services.NewToolService(db)
	resolve := func(ctx context.Context, toolID string) string {
		tr, err := tools.Resolve(ctx, toolID)
		if err != nil {
			return ""
		}
		return tr.ServerName
	}
	executor := mcp.NewExecutor(pool, cfg.Servers, manager, model, resolve, rec, logger)
	intents := orchestrator.New(sessions, tools, model, executor, logger)

	// 6. Start the fleet and import the advertised tool catalogue.
	manager.StartAll(ctx)
	for _, name := range cfg.Servers.Names() {
		listed, err := executor.ListServerTools(ctx, name)
		require.NoError(t, err, "tool listing for %s", name)
		records := make([]models.ToolRecord, 0, len(listed))
		for _, tl := range listed {
			records = append(records, models.ToolRecord{
				ToolID:        tl.Name,
				Name:          tl.Name,
				Type:          models.ToolTypeMCP,
				Description:   tl.Description,
				RequestSchema: tl.Parameters,
				ServerName:    name,
				Enabled:       true,
			})
		}
		require.NoError(t, tools.Upsert(ctx, records))
	}

	// 7. HTTP server on an OS-assigned port.
	srv := api.NewServer(api.Deps{
		Config:   cfg,
		DB:       db,
		Sessions: sessions,
		Tools:    tools,
		Intents:  intents,
		Manager:  manager,
		Pool:     pool,
		Hub:      hub,
		Metrics:  rec,
		Logger:   logger,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = srv.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	testApp := &TestApp{
		Config:   cfg,
		DB:       db,
		Sessions: sessions,
		Tools:    tools,
		Manager:  manager,
		Pool:     pool,
		Hub:      hub,
		Metrics:  rec,
		LLM:      scripted,
		BaseURL:  fmt.Sprintf("http://%s", addr),
		WSURL:    fmt.Sprintf("ws://%s", addr),
		t:        t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		pool.CloseAll(shutdownCtx)
		manager.StopAll(shutdownCtx)
	})

	return testApp
}
