package proc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/errkind"
)

// startLocked runs one start attempt. Caller must hold st.startMu.
//
//  1. Refuse if marked failed, disabled, or inside the restart cooldown
//     (force bypasses cooldown only).
//  2. force=true first tears down any tracked process tree.
//  3. Without force, look for an adoptable already-running process that
//     matches the server's command patterns.
//  4. Otherwise resolve the environment, spawn, and classify startup
//     output across short read windows.
func (m *Manager) startLocked(ctx context.Context, st *serverState, sc *config.ServerConfig, force bool) (StartResult, error) {
	name := sc.Name

	status, _ := m.statuses.get(name)
	if status.MarkedFailed {
		return StartResult{}, fmt.Errorf("%w: %s (reset required)", ErrMarkedFailed, name)
	}
	if !sc.Enabled {
		return StartResult{}, errkind.Newf(errkind.ServerUnavailable, "server %q is disabled", name)
	}

	// Already up with a live child: nothing to do.
	if !force && status.Running {
		if status.StdioMode() {
			return StartResult{StdioMode: true}, nil
		}
		if h := m.statuses.getHandle(name); h != nil && !h.Exited() {
			return StartResult{PID: h.PID()}, nil
		}
		if status.ProcessInfo != nil && status.ProcessInfo.PID != 0 && m.statuses.getHandle(name) == nil && pidAlive(status.ProcessInfo.PID) {
			// Adopted process, still alive.
			return StartResult{PID: status.ProcessInfo.PID, Adopted: true}, nil
		}
		// Tracked as running but the child is gone; fall through and restart.
	}

	if !force {
		if wait := m.cooldownRemaining(name, status.ConsecutiveFailures); wait > 0 {
			return StartResult{}, fmt.Errorf("%w: %s for another %s", ErrCooldownActive, name, wait.Round(time.Second))
		}
	} else {
		m.teardownLocked(ctx, name, status, internalCleanupTimeout)
	}

	m.statuses.markAttempt(name, time.Now())

	if !force {
		if pid, ok := m.discoverAdoptable(sc); ok {
			m.recordAdoption(name, pid)
			m.logger.Info("Adopted already-running server process", "server", name, "pid", pid)
			return StartResult{PID: pid, Adopted: true}, nil
		}
	}

	env, missing := sc.ResolveEnv()
	if len(missing) > 0 {
		err := errkind.Newf(errkind.ConfigMissingRequired,
			"server %q requires environment variables: %s", name, strings.Join(missing, ", "))
		m.recordStartFailure(name, err.Error())
		return StartResult{}, err
	}

	h, err := spawn(sc, env)
	if err != nil {
		wrapped := errkind.Wrap(errkind.ProcessStartFailed, fmt.Errorf("spawn %q: %w", sc.Command, err))
		m.recordStartFailure(name, wrapped.Error())
		return StartResult{}, wrapped
	}
	m.logger.Info("Spawned server process", "server", name, "pid", h.PID(), "command", sc.Command)

	cls := m.watchStartup(h, sc.SuccessIndicators)
	switch cls.Verdict {
	case verdictFailure:
		h.Close()
		if !h.Exited() {
			_ = terminateTree(ctx, h.PID(), internalCleanupTimeout)
		}
		err := errkind.Newf(errkind.ProcessStartFailed, "server %q startup failed: %s", name, cls.Reason)
		m.recordStartFailure(name, cls.Reason)
		return StartResult{}, err

	case verdictStdioMode:
		h.Close()
		m.recordStartSuccess(name, nil, &ProcessInfo{ExitMode: ExitModeStdio, StartedAt: h.StartedAt()})
		m.logger.Info("Server runs in stdio mode", "server", name)
		return StartResult{StdioMode: true}, nil

	default:
		pi := snapshotProcessInfo(h.PID(), h.StartedAt())
		m.recordStartSuccess(name, h, pi)
		go m.drainStderr(name, h)
		if cls.Matched != "" {
			m.logger.Info("Server started", "server", name, "pid", h.PID(), "indicator", cls.Matched)
		} else {
			m.logger.Info("Server started", "server", name, "pid", h.PID())
		}
		return StartResult{PID: h.PID()}, nil
	}
}

// cooldownRemaining returns how long the server must still wait before
// the next non-forced start. Halved once failures repeat so recovery
// speeds up.
func (m *Manager) cooldownRemaining(name string, consecutiveFailures int) time.Duration {
	last := m.statuses.lastAttempt(name)
	if last.IsZero() {
		return 0
	}
	cooldown := m.cfg.App.Supervisor.Cooldown()
	if consecutiveFailures >= 2 {
		cooldown /= 2
	}
	elapsed := time.Since(last)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

// discoverAdoptable scans the process table for a live process matching
// the server's command patterns that the registry does not already own.
// The pid must stay stable across several samples so a process that is
// mid-exit is not adopted.
func (m *Manager) discoverAdoptable(sc *config.ServerConfig) (int32, bool) {
	if len(sc.Patterns) == 0 {
		return 0, false
	}
	owned := m.statuses.managedPIDs()
	self := int32(os.Getpid())

	procs, err := process.Processes()
	if err != nil {
		return 0, false
	}
	var candidate int32
	for _, p := range procs {
		if p.Pid == self || owned[p.Pid] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if matchesPatterns(cmdline, sc.Patterns) && !pidZombie(p.Pid) {
			candidate = p.Pid
			break
		}
	}
	if candidate == 0 {
		return 0, false
	}

	for i := 0; i < adoptionSamples; i++ {
		time.Sleep(adoptionSampleGap)
		p, err := process.NewProcess(candidate)
		if err != nil {
			return 0, false
		}
		cmdline, err := p.Cmdline()
		if err != nil || !matchesPatterns(cmdline, sc.Patterns) {
			return 0, false
		}
	}
	return candidate, true
}

// matchesPatterns reports whether any pattern occurs in the command
// line, case-insensitive.
func matchesPatterns(cmdline string, patterns []string) bool {
	lower := strings.ToLower(cmdline)
	for _, pat := range patterns {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// watchStartup collects combined stdout and stderr output and classifies
// it. An immediate-exit watch runs first, then up to three short read
// windows. Returns early once a verdict is reached; pending after the
// final window means the child is alive and quiet, which counts as
// success.
func (m *Manager) watchStartup(h *StdioHandle, successIndicators []string) startupClassification {
	var lines []string

	exited := m.collectOutput(h, immediateExitWindow, &lines)
	cls := classifyStartup(lines, successIndicators, exited, h.ExitCode())
	if cls.Verdict != verdictPending {
		return cls
	}

	for i := 0; i < outputWindows; i++ {
		exited = m.collectOutput(h, outputWindowLen, &lines)
		cls = classifyStartup(lines, successIndicators, exited, h.ExitCode())
		if cls.Verdict != verdictPending {
			return cls
		}
	}
	return startupClassification{Verdict: verdictPending}
}

// collectOutput appends stdout and stderr lines into out for up to dur.
// Returns true once the child has exited and both streams are drained.
func (m *Manager) collectOutput(h *StdioHandle, dur time.Duration, out *[]string) bool {
	deadline := time.NewTimer(dur)
	defer deadline.Stop()

	stdout := h.Lines()
	stderr := h.StderrLines()
	for {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			*out = append(*out, line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			*out = append(*out, line)
		case <-h.Done():
			// Streams are closed once the child is reaped; drain leftovers.
			if stdout != nil {
				for line := range stdout {
					*out = append(*out, line)
				}
			}
			if stderr != nil {
				for line := range stderr {
					*out = append(*out, line)
				}
			}
			return true
		case <-deadline.C:
			return false
		}
	}
}

// drainStderr keeps the child's stderr pipe flowing after startup and
// surfaces diagnostics in the gateway log.
func (m *Manager) drainStderr(name string, h *StdioHandle) {
	for line := range h.StderrLines() {
		m.logger.Debug("Server stderr", "server", name, "line", line)
	}
}

// recordAdoption marks an externally started process as this server's
// instance. No stdio handle exists, so the process is tracked but not
// attachable; restart_count is untouched because nothing was spawned.
func (m *Manager) recordAdoption(name string, pid int32) {
	var startedAt time.Time
	if p, err := process.NewProcess(pid); err == nil {
		if ms, err := p.CreateTime(); err == nil {
			startedAt = time.UnixMilli(ms)
		}
	}
	pi := snapshotProcessInfo(pid, startedAt)
	m.statuses.setHandle(name, nil)
	m.statuses.update(name, func(s *ServerStatus) {
		s.Running = true
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.LastCheckAt = time.Now()
		s.ProcessInfo = pi
	})
}

func (m *Manager) recordStartSuccess(name string, h *StdioHandle, pi *ProcessInfo) {
	m.statuses.setHandle(name, h)
	m.statuses.update(name, func(s *ServerStatus) {
		s.Running = true
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.RestartCount++
		s.LastRestartAt = time.Now()
		s.LastCheckAt = time.Now()
		s.ProcessInfo = pi
	})
}

// recordStartFailure updates failure bookkeeping after a failed start
// attempt and flips marked_failed once the threshold is hit.
func (m *Manager) recordStartFailure(name, reason string) {
	var markedNow bool
	m.statuses.setHandle(name, nil)
	m.statuses.update(name, func(s *ServerStatus) {
		s.Running = false
		s.ProcessInfo = nil
		s.LastError = reason
		s.LastCheckAt = time.Now()
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= maxConsecutiveFailures && !s.MarkedFailed {
			s.MarkedFailed = true
			markedNow = true
		}
	})
	m.evict(name)
	if markedNow {
		m.logger.Error("Server marked failed after repeated startup failures",
			"server", name, "failures", maxConsecutiveFailures, "reason", reason)
	} else {
		m.logger.Warn("Server start failed", "server", name, "reason", reason)
	}
}
