package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/proc"
)

// fakeStdio scripts the server side of the wire. Frames written by the
// conn are decoded into sent; the respond hook returns the frames the
// fake server answers with.
type fakeStdio struct {
	t       *testing.T
	respond func(m message) []message

	mu     sync.Mutex
	sent   []message
	closed bool

	lines chan string

	pid      int32
	exited   bool
	exitCode int
}

func newFakeStdio(t *testing.T, respond func(message) []message) *fakeStdio {
	t.Helper()
	return &fakeStdio{
		t:       t,
		respond: respond,
		lines:   make(chan string, 64),
		pid:     4242,
	}
}

func (f *fakeStdio) Lines() <-chan string { return f.lines }
func (f *fakeStdio) PID() int32           { return f.pid }

func (f *fakeStdio) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeStdio) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

func (f *fakeStdio) WriteLine(line string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return io.ErrClosedPipe
	}
	var m message
	require.NoError(f.t, json.Unmarshal([]byte(line), &m))
	f.sent = append(f.sent, m)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil
	}
	for _, r := range respond(m) {
		f.feed(r)
	}
	return nil
}

// setRespond swaps the responder; safe while the conn is live.
func (f *fakeStdio) setRespond(respond func(message) []message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

// feed queues one server frame for the conn's read loop.
func (f *fakeStdio) feed(m message) {
	b, err := json.Marshal(m)
	require.NoError(f.t, err)
	f.feedRaw(string(b))
}

func (f *fakeStdio) feedRaw(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.lines <- line
	}
}

// Close simulates stdout EOF: the conn's read loop poisons itself.
func (f *fakeStdio) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
}

// markExited flags the child as reaped with the given code, then closes.
func (f *fakeStdio) markExited(code int) {
	f.mu.Lock()
	f.exited = true
	f.exitCode = code
	f.mu.Unlock()
	f.Close()
}

func (f *fakeStdio) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, m := range f.sent {
		types[i] = m.Type
	}
	return types
}

func (f *fakeStdio) sentMessages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

func (f *fakeStdio) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// echoResponder answers like a minimal well-behaved server: hello is
// greeted back, listings return the given tools, tool calls echo the
// "text" parameter. Goodbye gets no reply.
func echoResponder(tools []Tool) func(message) []message {
	return func(m message) []message {
		switch m.Type {
		case msgHello:
			return []message{{Type: msgHello, Version: protocolVersion, SessionID: m.SessionID}}
		case msgListTools:
			return []message{{Type: msgListToolsResponse, SessionID: m.SessionID, Tools: tools}}
		case msgToolCall:
			var params struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(m.Parameters, &params)
			return []message{{
				Type:      msgToolResponse,
				SessionID: m.SessionID,
				ID:        m.ID,
				Content:   &ToolContent{Kind: ContentText, Text: params.Text},
			}}
		default:
			return nil
		}
	}
}

var testTools = []Tool{
	{Name: "echo", Description: "echoes its text argument", Parameters: json.RawMessage(`{"type":"object"}`)},
}

// fakeDialer scripts the process-manager side of pool acquisition.
type fakeDialer struct {
	mu            sync.Mutex
	ensure        func(name string, connectOnly bool) (proc.EnsureResult, error)
	attach        func(name string) (stdio, error)
	spawn         func(name string) (stdio, error)
	restart       func(name string) (proc.StartResult, error)
	ensureCalls   int
	attachCalls   int
	spawnCalls    int
	restartCalls  int
	resetCalls    int
	sweepCalls    int
	connectOnlies []bool
}

func (d *fakeDialer) EnsureRunning(_ context.Context, name string, connectOnly bool) (proc.EnsureResult, error) {
	d.mu.Lock()
	d.ensureCalls++
	d.connectOnlies = append(d.connectOnlies, connectOnly)
	fn := d.ensure
	d.mu.Unlock()
	if fn == nil {
		return proc.EnsureResult{Running: true, PID: 4242, Attachable: true}, nil
	}
	return fn(name, connectOnly)
}

func (d *fakeDialer) Attach(name string) (stdio, error) {
	d.mu.Lock()
	d.attachCalls++
	fn := d.attach
	d.mu.Unlock()
	if fn == nil {
		return nil, proc.ErrServerNotRunning
	}
	return fn(name)
}

func (d *fakeDialer) SpawnEphemeral(_ context.Context, name string) (stdio, error) {
	d.mu.Lock()
	d.spawnCalls++
	fn := d.spawn
	d.mu.Unlock()
	if fn == nil {
		return nil, proc.ErrServerNotRunning
	}
	return fn(name)
}

func (d *fakeDialer) ForceRestart(_ context.Context, name string) (proc.StartResult, error) {
	d.mu.Lock()
	d.restartCalls++
	fn := d.restart
	d.mu.Unlock()
	if fn == nil {
		return proc.StartResult{}, proc.ErrServerNotRunning
	}
	return fn(name)
}

func (d *fakeDialer) ResetFailures(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCalls++
	return nil
}

func (d *fakeDialer) RunZombieSweep(context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepCalls++
}

func (d *fakeDialer) counts() (ensure, attach, spawn, restart, reset, sweep int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureCalls, d.attachCalls, d.spawnCalls, d.restartCalls, d.resetCalls, d.sweepCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServerConfig builds a registry entry with short protocol timeouts.
func testServerConfig(name string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:    name,
		Command: "/bin/true",
		Enabled: true,
		Timeouts: config.Timeouts{
			Ping:       200 * time.Millisecond,
			Warmup:     200 * time.Millisecond,
			Validation: 500 * time.Millisecond,
			Default:    2 * time.Second,
		},
	}
}

// testPool builds a pool over the fake dialer with fast backoff.
func testPool(t *testing.T, d dialer, servers ...*config.ServerConfig) *Pool {
	t.Helper()
	byName := make(map[string]*config.ServerConfig, len(servers))
	for _, sc := range servers {
		byName[sc.Name] = sc
	}
	reg := config.NewRegistry(byName)
	cfg := config.PoolConfig{
		BackoffBaseMS:     1,
		BackoffCapSeconds: 1,
		MaxAttempts:       5,
		MaxConnAgeMinutes: 60,
	}
	return newPool(d, reg, cfg, metrics.NewRecorder(16), testLogger())
}
