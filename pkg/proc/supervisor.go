package proc

import (
	"context"
	"errors"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/metrics"
)

// Sub-task cadence, in supervisor ticks.
const (
	reaperEvery  = 6
	monitorEvery = 5
	refreshEvery = 3
)

// Start launches the background supervisor loop. Calling Start on an
// already-running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return // already started
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the supervisor loop down and waits for the current tick to
// finish. Running servers are left alone; StopAll tears them down.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	m.cancel = nil
	m.done = nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	tick := 0
	m.runTick(ctx, tick)

	ticker := time.NewTicker(m.cfg.App.Supervisor.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			m.runTick(ctx, tick)
		}
	}
}

// runTick supervises every server once, then runs the slower sub-tasks
// on their cadence. Tick 0 includes a cleaning sweep so leftovers from
// a previous gateway run are collected at boot.
func (m *Manager) runTick(ctx context.Context, tick int) {
	for _, name := range m.cfg.Servers.Names() {
		if ctx.Err() != nil {
			return
		}
		sc, err := m.cfg.Servers.Get(name)
		if err != nil {
			continue
		}
		m.superviseServer(ctx, sc)
	}

	if tick%reaperEvery == 0 {
		m.sweepOnce(ctx, true)
	}
	if tick > 0 && tick%monitorEvery == 0 {
		m.runLeakMonitor(ctx)
	}
	if tick > 0 && tick%refreshEvery == 0 {
		m.refreshSnapshots()
	}
}

// superviseServer runs one server's tick body: probe it when running,
// try to start it when not.
func (m *Manager) superviseServer(ctx context.Context, sc *config.ServerConfig) {
	st, ok := m.statuses.state(sc.Name)
	if !ok {
		return
	}
	st.startMu.Lock()
	defer st.startMu.Unlock()

	status, _ := m.statuses.get(sc.Name)
	if !status.Enabled || status.MarkedFailed {
		return
	}
	m.statuses.update(sc.Name, func(s *ServerStatus) {
		s.LastCheckAt = time.Now()
	})

	if status.Running {
		stop := m.rec.Observe(metrics.OpHealthCheck)
		res := m.probe(sc.Name)
		stop(res.Healthy)
		if res.Healthy {
			m.recordProbeSuccess(sc.Name)
			return
		}
		m.recordProbeFailure(ctx, sc.Name, res.Reason)
		m.handleFailureLocked(ctx, st, sc)
		return
	}

	if _, err := m.startLocked(ctx, st, sc, false); err != nil {
		if errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrMarkedFailed) {
			m.logger.Debug("Supervisor start deferred", "server", sc.Name, "reason", err)
		}
	}
}

// handleFailureLocked reacts to a failed health probe: bump the failure
// counter, clean up orphans eagerly so the crash leaves no siblings
// behind, then either mark the server failed or force-restart it.
// Caller must hold the server's startup lock.
func (m *Manager) handleFailureLocked(ctx context.Context, st *serverState, sc *config.ServerConfig) {
	var marked bool
	m.statuses.update(sc.Name, func(s *ServerStatus) {
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= maxConsecutiveFailures && !s.MarkedFailed {
			s.MarkedFailed = true
			marked = true
		}
	})

	m.sweepOnce(ctx, true)

	if marked {
		m.logger.Error("Server marked failed after repeated health failures",
			"server", sc.Name, "failures", maxConsecutiveFailures)
		return
	}
	if _, err := m.startLocked(ctx, st, sc, true); err != nil {
		m.logger.Warn("Recovery restart failed", "server", sc.Name, "error", err)
	}
}

// refreshSnapshots re-samples resource usage for every tracked live
// process so status reads stay reasonably fresh between probes.
func (m *Manager) refreshSnapshots() {
	for _, status := range m.statuses.all() {
		pi := status.ProcessInfo
		if !status.Running || pi == nil || pi.PID == 0 {
			continue
		}
		if !pidAlive(pi.PID) {
			continue
		}
		fresh := snapshotProcessInfo(pi.PID, pi.StartedAt)
		m.statuses.update(status.Name, func(s *ServerStatus) {
			if s.ProcessInfo != nil && s.ProcessInfo.PID == fresh.PID {
				s.ProcessInfo = fresh
			}
		})
	}
}
