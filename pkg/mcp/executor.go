package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/metrics"
)

// callTimeout is the hard ceiling for one remote tool invocation,
// independent of any per-server protocol timeouts.
const callTimeout = 120 * time.Second

// Summarizer condenses raw tool output into the user-facing reply line.
// The LLM adapter implements it; a nil summarizer falls back to a canned
// line.
type Summarizer interface {
	Summarize(ctx context.Context, toolName, raw string) (string, error)
}

// Releaser tears down a server's process state after a connection-class
// failure proved the process is gone. *proc.Manager implements it.
type Releaser interface {
	ReleaseServer(ctx context.Context, name string) error
}

// ServerResolver maps a tool id to the server advertising it, typically
// backed by the tools catalogue. An empty result falls through to the
// first configured server.
type ServerResolver func(ctx context.Context, toolID string) string

// Result is the outcome of one tool execution.
type Result struct {
	ToolID  string
	Server  string
	Raw     string
	Summary string
}

// Executor runs tool calls end to end: server resolution, connection
// acquisition, the remote invocation, payload extraction, and the
// summary for the user.
type Executor struct {
	pool       *Pool
	servers    *config.Registry
	releaser   Releaser
	summarizer Summarizer
	resolve    ServerResolver
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// NewExecutor wires the executor. releaser, summarizer, and resolve may
// be nil: eviction then stays pool-local, summaries fall back to the
// canned line, and tools resolve to the first configured server.
func NewExecutor(pool *Pool, servers *config.Registry, releaser Releaser, summarizer Summarizer, resolve ServerResolver, rec *metrics.Recorder, logger *slog.Logger) *Executor {
	return &Executor{
		pool:       pool,
		servers:    servers,
		releaser:   releaser,
		summarizer: summarizer,
		resolve:    resolve,
		metrics:    rec,
		logger:     logger.With("component", "executor"),
	}
}

// Execute runs one tool call against its server with the hard call
// timeout. Connection-class failures release the server's process state
// before the error is returned; a timed-out call on a responsive
// connection releases nothing.
func (e *Executor) Execute(ctx context.Context, toolID string, params json.RawMessage, targetServer string) (*Result, error) {
	done := e.metrics.Observe(metrics.OpToolCall)
	res, err := e.execute(ctx, toolID, params, targetServer)
	done(err == nil)
	return res, err
}

func (e *Executor) execute(ctx context.Context, toolID string, params json.RawMessage, targetServer string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// Step 1: resolve the executing server.
	server, err := e.resolveServer(ctx, toolID, targetServer)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("tool", toolID, "server", server)
	logger.Info("Executing tool call")

	// Step 2: get a connection.
	conn, err := e.pool.Acquire(ctx, server)
	if err != nil {
		return nil, e.connFailure(ctx, server, err)
	}
	if conn.Ephemeral() {
		defer conn.Close()
	}

	// Step 3: invoke the remote tool.
	started := time.Now()
	content, err := conn.CallTool(ctx, toolID, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The connection stayed responsive; only this call overran.
			logger.Warn("Tool call timed out", "timeout", callTimeout)
			return nil, errkind.Newf(errkind.ToolExecutionTimeout,
				"tool %q did not finish within %s", toolID, callTimeout)
		}
		return nil, e.connFailure(ctx, server, err)
	}
	logger.Info("Tool call finished", "duration", time.Since(started).Round(time.Millisecond))

	// Step 4: flatten the payload.
	raw := content.Flatten()

	// Step 5: summarize for the user.
	summary := e.summarize(ctx, toolID, raw)

	return &Result{ToolID: toolID, Server: server, Raw: raw, Summary: summary}, nil
}

// ListServerTools returns one server's advertised tool catalogue,
// bounded by its default timeout.
func (e *Executor) ListServerTools(ctx context.Context, server string) ([]Tool, error) {
	sc, err := e.servers.Get(server)
	if err != nil {
		return nil, errkind.Wrap(errkind.ServerNotFound, err)
	}
	ctx, cancel := context.WithTimeout(ctx, sc.Timeouts.Default)
	defer cancel()

	conn, err := e.pool.Acquire(ctx, server)
	if err != nil {
		return nil, e.connFailure(ctx, server, err)
	}
	if conn.Ephemeral() {
		defer conn.Close()
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, e.connFailure(ctx, server, err)
	}
	return tools, nil
}

// resolveServer picks the executing server: the explicit target first,
// then the tools catalogue, then the first configured server.
func (e *Executor) resolveServer(ctx context.Context, toolID, target string) (string, error) {
	if target != "" {
		if !e.servers.Has(target) {
			return "", errkind.Newf(errkind.ServerNotFound, "server %q is not configured", target)
		}
		return target, nil
	}
	if e.resolve != nil {
		if name := e.resolve(ctx, toolID); name != "" && e.servers.Has(name) {
			return name, nil
		}
	}
	name, ok := e.servers.First()
	if !ok {
		return "", errkind.Newf(errkind.ServerNotFound, "no tool servers are configured")
	}
	return name, nil
}

// connFailure releases connection-class failures before propagating:
// the pooled conn goes away synchronously and the process record is torn
// down so the next acquisition starts clean.
func (e *Executor) connFailure(ctx context.Context, server string, err error) error {
	kind := errkind.KindOf(err)
	if !errkind.IsConnectionClass(kind) {
		return err
	}
	e.logger.Warn("Connection-class failure, releasing server state",
		"server", server, "kind", kind, "error", err)
	e.pool.Evict(server)
	if e.releaser != nil {
		// Teardown must finish even when the caller's context is done.
		if rerr := e.releaser.ReleaseServer(context.WithoutCancel(ctx), server); rerr != nil {
			e.logger.Warn("Server release failed", "server", server, "error", rerr)
		}
	}
	return err
}

// summarize condenses the raw output, falling back to the canned line
// when no summarizer is wired or it fails.
func (e *Executor) summarize(ctx context.Context, toolID, raw string) string {
	fallback := fmt.Sprintf("Tool %s executed successfully", toolID)
	if e.summarizer == nil {
		return fallback
	}
	summary, err := e.summarizer.Summarize(ctx, toolID, raw)
	if err != nil || strings.TrimSpace(summary) == "" {
		e.logger.Warn("Summarization failed, using fallback", "tool", toolID, "error", err)
		return fallback
	}
	return summary
}
