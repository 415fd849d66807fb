package proc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolgate/toolgate/pkg/alerts"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/metrics"
)

// startConcurrency bounds parallel server starts and stops during bulk
// operations.
const startConcurrency = 4

// Manager owns every tool-server subprocess: it starts them, adopts
// already-running instances, probes their health, reaps leaks, and runs
// the background supervisor.
type Manager struct {
	cfg      *config.Config
	statuses *StatusRegistry
	sink     alerts.Sink
	rec      *metrics.Recorder
	logger   *slog.Logger

	// evictFn tells the connection pool to drop its connection for a
	// server whose process went away. Set once before Start.
	evictFn func(name string)

	// startAllMu serializes bulk start/stop against each other.
	startAllMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a process manager over the configured servers.
func NewManager(cfg *config.Config, sink alerts.Sink, rec *metrics.Recorder) *Manager {
	if sink == nil {
		sink = alerts.NewLogSink()
	}
	m := &Manager{
		cfg:      cfg,
		statuses: newStatusRegistry(),
		sink:     sink,
		rec:      rec,
		logger:   slog.Default().With("component", "process_manager"),
	}
	m.statuses.sync(cfg.Servers.GetAll())
	return m
}

// SetEvictFunc installs the pool eviction callback. Must be called
// before Start.
func (m *Manager) SetEvictFunc(fn func(name string)) {
	m.evictFn = fn
}

func (m *Manager) evict(name string) {
	if m.evictFn != nil {
		m.evictFn(name)
	}
}

// serverRecord resolves the config and tracked state for name.
func (m *Manager) serverRecord(name string) (*serverState, *config.ServerConfig, error) {
	sc, err := m.cfg.Servers.Get(name)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.ServerNotFound, err)
	}
	st, ok := m.statuses.state(name)
	if !ok {
		m.statuses.sync(m.cfg.Servers.GetAll())
		st, ok = m.statuses.state(name)
		if !ok {
			return nil, nil, errkind.Newf(errkind.ServerNotFound, "server %q is not tracked", name)
		}
	}
	return st, sc, nil
}

// Status returns a copy of one server's status.
func (m *Manager) Status(name string) (ServerStatus, bool) {
	return m.statuses.get(name)
}

// Statuses returns status copies for all servers, sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	return m.statuses.all()
}

// StartServer starts (or adopts) the named server without force.
func (m *Manager) StartServer(ctx context.Context, name string) (StartResult, error) {
	st, sc, err := m.serverRecord(name)
	if err != nil {
		return StartResult{}, err
	}
	st.startMu.Lock()
	defer st.startMu.Unlock()
	return m.startLocked(ctx, st, sc, false)
}

// ForceRestart tears the server's process tree down and starts a fresh
// child, bypassing the restart cooldown.
func (m *Manager) ForceRestart(ctx context.Context, name string) (StartResult, error) {
	st, sc, err := m.serverRecord(name)
	if err != nil {
		return StartResult{}, err
	}
	st.startMu.Lock()
	defer st.startMu.Unlock()
	return m.startLocked(ctx, st, sc, true)
}

// ResetFailures clears the consecutive failure counter and the
// marked_failed flag so starts are allowed again.
func (m *Manager) ResetFailures(name string) error {
	if _, ok := m.statuses.state(name); !ok {
		return errkind.Newf(errkind.ServerNotFound, "server %q is not tracked", name)
	}
	m.statuses.update(name, func(s *ServerStatus) {
		s.ConsecutiveFailures = 0
		s.MarkedFailed = false
	})
	m.logger.Info("Failure state reset", "server", name)
	return nil
}

// EnsureRunning makes sure an instance of the server exists, following
// the pool's coordination contract:
//
//   - A running stdio-mode server is reported as such; the pool spawns
//     ephemeral children for it.
//   - A running child with a live stdio handle is attachable.
//   - An adopted external process is running but not attachable; with
//     connectOnly the caller decides what to do, otherwise it is
//     force-replaced by a piped child.
//   - With connectOnly and no live instance, ErrServerNotRunning is
//     returned without spawning, so a cooldown cannot trap the caller.
func (m *Manager) EnsureRunning(ctx context.Context, name string, connectOnly bool) (EnsureResult, error) {
	st, sc, err := m.serverRecord(name)
	if err != nil {
		return EnsureResult{}, err
	}
	st.startMu.Lock()
	defer st.startMu.Unlock()

	status, _ := m.statuses.get(name)
	if status.Running {
		if status.StdioMode() {
			return EnsureResult{Running: true, StdioMode: true}, nil
		}
		if h := m.statuses.getHandle(name); h != nil && !h.Exited() {
			return EnsureResult{Running: true, PID: h.PID(), Attachable: true}, nil
		}
		if pi := status.ProcessInfo; pi != nil && pi.PID != 0 && pidAlive(pi.PID) {
			if connectOnly {
				return EnsureResult{Running: true, PID: pi.PID}, nil
			}
			// Live but without pipes (adopted): replace with a child this
			// manager owns.
			res, err := m.startLocked(ctx, st, sc, true)
			if err != nil {
				return EnsureResult{}, err
			}
			return ensureFromStart(res), nil
		}
		// Stale record, process gone. Fall through to a fresh start.
	}

	if connectOnly {
		if pid, ok := m.discoverAdoptable(sc); ok {
			m.recordAdoption(name, pid)
			return EnsureResult{Running: true, PID: pid}, nil
		}
		return EnsureResult{}, fmt.Errorf("%w: %s", ErrServerNotRunning, name)
	}

	res, err := m.startLocked(ctx, st, sc, false)
	if err != nil {
		return EnsureResult{}, err
	}
	return ensureFromStart(res), nil
}

func ensureFromStart(res StartResult) EnsureResult {
	return EnsureResult{
		Running:    true,
		PID:        res.PID,
		StdioMode:  res.StdioMode,
		Attachable: !res.StdioMode && !res.Adopted,
	}
}

// Attach claims the server's stdio handle for a protocol connection.
func (m *Manager) Attach(name string) (*StdioHandle, error) {
	h := m.statuses.getHandle(name)
	if h == nil || h.Exited() {
		return nil, fmt.Errorf("%w: %s", ErrServerNotRunning, name)
	}
	if !h.Claim() {
		return nil, errkind.Newf(errkind.ConnectionFailed, "server %q stdio is already in use", name)
	}
	return h, nil
}

// SpawnEphemeral starts a throwaway child for a stdio-mode server. It
// skips startup classification; callers validate the connection through
// the protocol handshake and must close the handle when done.
func (m *Manager) SpawnEphemeral(ctx context.Context, name string) (*StdioHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, sc, err := m.serverRecord(name)
	if err != nil {
		return nil, err
	}
	env, missing := sc.ResolveEnv()
	if len(missing) > 0 {
		return nil, errkind.Newf(errkind.ConfigMissingRequired,
			"server %q requires environment variables: %s", name, strings.Join(missing, ", "))
	}
	h, err := spawn(sc, env)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProcessStartFailed, fmt.Errorf("spawn %q: %w", sc.Command, err))
	}
	h.Claim()
	go m.drainStderr(name, h)
	m.logger.Debug("Spawned ephemeral stdio child", "server", name, "pid", h.PID())
	return h, nil
}

// ReleaseServer tears down the server's process and pool state. Used by
// the pool when a connection-class error proves the process is gone.
func (m *Manager) ReleaseServer(ctx context.Context, name string) error {
	st, _, err := m.serverRecord(name)
	if err != nil {
		return err
	}
	st.startMu.Lock()
	defer st.startMu.Unlock()
	status, _ := m.statuses.get(name)
	m.teardownLocked(ctx, name, status, internalCleanupTimeout)
	return nil
}

// teardownLocked closes the stdio handle, terminates the tracked process
// tree, clears running state, and evicts the pool entry. Caller must
// hold the server's startup lock.
func (m *Manager) teardownLocked(ctx context.Context, name string, status ServerStatus, graceful time.Duration) {
	spawned := false
	if h := m.statuses.getHandle(name); h != nil {
		h.Close()
		spawned = true
	}
	m.statuses.setHandle(name, nil)

	if pi := status.ProcessInfo; pi != nil && pi.PID != 0 && pidAlive(pi.PID) {
		if spawned {
			// Children spawned here lead their own process group; signal it
			// so grandchildren missed by the tree walk get the message too.
			_ = signalGroup(pi.PID, syscall.SIGTERM)
		}
		if err := terminateTree(ctx, pi.PID, graceful); err != nil {
			m.logger.Warn("Process tree cleanup incomplete", "server", name, "error", err)
		}
	}

	m.statuses.update(name, func(s *ServerStatus) {
		s.Running = false
		s.ProcessInfo = nil
	})
	m.evict(name)
}

// StartAll starts every enabled server. Failures are recorded per server
// and do not stop the rest; a gateway with one broken server still
// serves the others.
func (m *Manager) StartAll(ctx context.Context) {
	m.startAllMu.Lock()
	defer m.startAllMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for _, name := range m.cfg.Servers.Names() {
		sc, err := m.cfg.Servers.Get(name)
		if err != nil {
			continue
		}
		if !sc.Enabled {
			m.logger.Debug("Skipping disabled server", "server", name)
			continue
		}
		g.Go(func() error {
			if _, err := m.StartServer(gctx, name); err != nil {
				m.logger.Warn("Server failed to start", "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	running := 0
	for _, s := range m.statuses.all() {
		if s.Running {
			running++
		}
	}
	m.logger.Info("Server startup complete", "running", running, "configured", len(m.cfg.Servers.Names()))
}

// StopAll gracefully stops every tracked server, waiting up to the
// configured graceful timeout per process tree before escalating.
func (m *Manager) StopAll(ctx context.Context) {
	m.startAllMu.Lock()
	defer m.startAllMu.Unlock()

	graceful := m.cfg.App.Supervisor.GracefulTimeout()
	g := new(errgroup.Group)
	g.SetLimit(startConcurrency)
	for _, status := range m.statuses.all() {
		if !status.Running {
			continue
		}
		g.Go(func() error {
			st, _, err := m.serverRecord(status.Name)
			if err != nil {
				return nil
			}
			st.startMu.Lock()
			defer st.startMu.Unlock()
			current, _ := m.statuses.get(status.Name)
			m.teardownLocked(ctx, status.Name, current, graceful)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("All servers stopped")
}

// ApplyReload reconciles running processes with a config diff: removed
// servers are torn down, changed servers get a clean restart, added
// servers are started.
func (m *Manager) ApplyReload(ctx context.Context, diff config.Diff) {
	for _, name := range diff.Removed {
		st, ok := m.statuses.state(name)
		if !ok {
			continue
		}
		st.startMu.Lock()
		status, _ := m.statuses.get(name)
		m.teardownLocked(ctx, name, status, internalCleanupTimeout)
		st.startMu.Unlock()
		m.logger.Info("Removed server stopped", "server", name)
	}

	m.statuses.sync(m.cfg.Servers.GetAll())

	for _, name := range diff.Changed {
		sc, err := m.cfg.Servers.Get(name)
		if err != nil {
			continue
		}
		_ = m.ResetFailures(name)
		if !sc.Enabled {
			if st, ok := m.statuses.state(name); ok {
				st.startMu.Lock()
				status, _ := m.statuses.get(name)
				m.teardownLocked(ctx, name, status, internalCleanupTimeout)
				st.startMu.Unlock()
			}
			m.logger.Info("Server disabled by reload", "server", name)
			continue
		}
		if _, err := m.ForceRestart(ctx, name); err != nil {
			m.logger.Warn("Restart after config change failed", "server", name, "error", err)
		}
	}

	for _, name := range diff.Added {
		if _, err := m.StartServer(ctx, name); err != nil {
			m.logger.Warn("Start of added server failed", "server", name, "error", err)
		}
	}
}
