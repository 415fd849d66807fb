package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// cpuSampleInterval is the measurement window for the probe's CPU check.
const cpuSampleInterval = 200 * time.Millisecond

// probeResult carries the probe outcome and the failing step's message.
type probeResult struct {
	Healthy bool
	Reason  string
}

// probe checks one running server's process, in order: stdio servers are
// healthy by contract, then existence, zombie state, CPU and RSS
// ceilings, and finally a stopped/traced check that fresh processes
// skip. Caller must hold the server's startup lock.
func (m *Manager) probe(name string) probeResult {
	status, ok := m.statuses.get(name)
	if !ok {
		return probeResult{Healthy: false, Reason: "server not tracked"}
	}
	if status.StdioMode() {
		return probeResult{Healthy: true}
	}

	pi := status.ProcessInfo
	if pi == nil || pi.PID == 0 {
		return probeResult{Healthy: false, Reason: "no recorded process"}
	}
	pid := pi.PID

	if !pidAlive(pid) {
		return probeResult{Healthy: false, Reason: fmt.Sprintf("process %d no longer exists", pid)}
	}
	if pidZombie(pid) {
		return probeResult{Healthy: false, Reason: fmt.Sprintf("process %d is a zombie", pid)}
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		return probeResult{Healthy: false, Reason: fmt.Sprintf("process %d no longer exists", pid)}
	}

	sup := m.cfg.App.Supervisor
	if cpu, err := p.Percent(cpuSampleInterval); err == nil && cpu > sup.CPUPercentCeiling {
		return probeResult{Healthy: false,
			Reason: fmt.Sprintf("cpu %.1f%% above ceiling %.0f%%", cpu, sup.CPUPercentCeiling)}
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		rssMB := float64(mem.RSS) / (1024 * 1024)
		if rssMB > float64(sup.RSSMBCeiling) {
			return probeResult{Healthy: false,
				Reason: fmt.Sprintf("rss %.0f MB above ceiling %d MB", rssMB, sup.RSSMBCeiling)}
		}
	}

	if time.Since(pi.StartedAt) > responsivenessGrace && pidStopped(pid) {
		return probeResult{Healthy: false, Reason: fmt.Sprintf("process %d is stopped or traced", pid)}
	}

	return probeResult{Healthy: true}
}

// recordProbeSuccess refreshes check bookkeeping after a healthy probe.
// A passing probe also clears the consecutive failure counter.
func (m *Manager) recordProbeSuccess(name string) {
	m.statuses.update(name, func(s *ServerStatus) {
		s.LastCheckAt = time.Now()
		s.ConsecutiveFailures = 0
	})
}

// recordProbeFailure marks the server down and synchronously tears down
// its process tree and pool state so no caller reuses a connection to a
// dead process. A stopped or runaway process is still alive at this
// point; it must be killed before its pid is forgotten.
func (m *Manager) recordProbeFailure(ctx context.Context, name, reason string) {
	m.logger.Warn("Server health probe failed", "server", name, "reason", reason)

	if h := m.statuses.getHandle(name); h != nil {
		h.Close()
	}
	m.statuses.setHandle(name, nil)

	status, _ := m.statuses.get(name)
	if pi := status.ProcessInfo; pi != nil && pi.PID != 0 && pidAlive(pi.PID) {
		if err := terminateTree(ctx, pi.PID, internalCleanupTimeout); err != nil {
			m.logger.Warn("Cleanup of unhealthy process incomplete", "server", name, "error", err)
		}
	}

	m.statuses.update(name, func(s *ServerStatus) {
		s.Running = false
		s.ProcessInfo = nil
		s.LastError = reason
		s.LastCheckAt = time.Now()
	})
	m.evict(name)
}
