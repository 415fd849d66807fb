// Toolgate gateway server — manages tool-server subprocesses, routes
// model-proposed tool calls through user confirmation, and serves the HTTP
// and WebSocket API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/toolgate/toolgate/pkg/alerts"
	"github.com/toolgate/toolgate/pkg/api"
	"github.com/toolgate/toolgate/pkg/cleanup"
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
	"github.com/toolgate/toolgate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging installs the default slog handler at the level named by
// LOG_LEVEL (debug, info, warn, error).
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// syncToolCatalog refreshes the tools table from what the running servers
// actually advertise, then prunes entries for servers that left the
// registry. Per-server failures are logged and skipped so one broken server
// does not block the gateway.
func syncToolCatalog(ctx context.Context, cfg *config.Config, executor *mcp.Executor, tools *services.ToolService) {
	known := make(map[string]bool)
	for _, name := range cfg.Servers.Names() {
		known[name] = true
		sc, err := cfg.Servers.Get(name)
		if err != nil || !sc.Enabled {
			continue
		}

		listed, err := executor.ListServerTools(ctx, name)
		if err != nil {
			slog.Warn("Tool listing failed, catalogue entries kept as-is", "server", name, "error", err)
			continue
		}
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
		if err := tools.Upsert(ctx, records); err != nil {
			slog.Error("Tool catalogue upsert failed", "server", name, "error", err)
			continue
		}
		slog.Info("Tool catalogue synced", "server", name, "tools", len(records))
	}

	all, err := tools.List(ctx, false)
	if err != nil {
		slog.Warn("Could not list catalogue for pruning", "error", err)
		return
	}
	pruned := make(map[string]bool)
	for _, tr := range all {
		if tr.ServerName == "" || known[tr.ServerName] || pruned[tr.ServerName] {
			continue
		}
		pruned[tr.ServerName] = true
		if n, err := tools.PruneServer(ctx, tr.ServerName); err == nil && n > 0 {
			slog.Info("Stale catalogue entries pruned", "server", tr.ServerName, "count", n)
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}
	setupLogging()

	slog.Info("Starting toolgate", "version", version.Full())

	ctx := context.Background()

	// 1. Load and validate configuration
	cfg, err := config.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Shared plumbing: event hub, metrics, alert sink
	hub := events.NewHub()
	rec := metrics.NewRecorder(metrics.DefaultWindow)

	var sink alerts.Sink
	if cfg.App.Alerting.Enabled && cfg.App.Alerting.SlackToken != "" {
		sink = alerts.NewSlackSink(cfg.App.Alerting.SlackToken, cfg.App.Alerting.SlackChannel)
		slog.Info("Slack alerting enabled", "channel", cfg.App.Alerting.SlackChannel)
	} else {
		sink = alerts.NewLogSink()
	}

	// 4. Process manager and connection pool
	manager := proc.NewManager(cfg, sink, rec)
	pool := mcp.NewPool(manager, cfg.Servers, cfg.App.Pool, rec, slog.Default())
	manager.SetEvictFunc(pool.Evict)

	// 5. LLM client. A missing key is not fatal: the gateway serves
	// degraded and /health says so.
	llmCfg, err := llm.ConfigFromEnv()
	if err != nil {
		slog.Warn("LLM not configured; interpretation will fail until it is", "error", err)
		llmCfg = &llm.Config{
			Model:       llm.DefaultModel,
			Timeout:     llm.DefaultTimeout,
			Temperature: llm.DefaultTemperature,
			MaxTokens:   llm.DefaultMaxTokens,
		}
	}
	model := llm.New(llmCfg, rec, slog.Default())
	slog.Info("LLM client initialized", "endpoint", llmCfg.String())

	// 6. Domain services
	sessionService := services.NewSessionService(dbClient, hub)
	toolService := services.NewToolService(dbClient)
	slog.Info("Services initialized")

	// 7. Tool executor, resolving tool ids through the catalogue
	resolve := func(ctx context.Context, toolID string) string {
		tr, err := toolService.Resolve(ctx, toolID)
		if err != nil {
			return ""
		}
		return tr.ServerName
	}
	executor := mcp.NewExecutor(pool, cfg.Servers, manager, model, resolve, rec, slog.Default())

	// 8. The pipeline
	intents := orchestrator.New(sessionService, toolService, model, executor, slog.Default())

	// 9. Start the server fleet and the supervisor
	manager.StartAll(ctx)
	manager.Start(ctx)
	slog.Info("Process manager started", "servers", len(cfg.Servers.Names()))

	// 10. Refresh the tool catalogue from the running servers
	syncToolCatalog(ctx, cfg, executor, toolService)

	// 11. Retention sweeper
	sweeper := cleanup.NewService(cfg.App.Retention, sessionService)
	sweeper.Start(ctx)

	// 12. HTTP server
	httpServer := api.NewServer(api.Deps{
		Config:   cfg,
		DB:       dbClient,
		Sessions: sessionService,
		Tools:    toolService,
		Intents:  intents,
		Manager:  manager,
		Pool:     pool,
		Hub:      hub,
		Metrics:  rec,
		Logger:   slog.Default(),
	})

	addr := getEnv("HTTP_ADDR", cfg.App.HTTP.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Toolgate started successfully", "addr", addr)

	// 13. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: drain HTTP, stop background loops, say
	// goodbye on the protocol connections, then stop the children.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	manager.Stop()
	sweeper.Stop()

	stopBudget := cfg.App.Supervisor.GracefulTimeout() + 10*time.Second
	stopCtx, stopCancel := context.WithTimeout(ctx, stopBudget)
	defer stopCancel()
	pool.CloseAll(stopCtx)
	manager.StopAll(stopCtx)

	hub.Close()
	slog.Info("Shutdown complete")
}
