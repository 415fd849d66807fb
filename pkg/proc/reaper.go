package proc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/toolgate/toolgate/pkg/alerts"
)

// wellKnownPatterns matches MCP server packages that may have been left
// behind by earlier gateway instances even when the current config no
// longer references them.
var wellKnownPatterns = []string{
	"mcp-server",
	"mcp_server",
	"modelcontextprotocol",
	"server-filesystem",
	"server-github",
	"server-memory",
	"server-puppeteer",
	"server-brave-search",
	"server-everything",
}

// Orphan age ladder bounds.
const (
	orphanNeverTouch   = 30 * time.Minute
	orphanZombieOnly   = 2 * time.Hour
	orphanConditional  = 6 * time.Hour
	orphanOldAge       = 4 * time.Hour
	orphanCPUThreshold = 50.0
	orphanRSSMB        = 500.0
)

// orphanSample is the observed state of one orphan candidate.
type orphanSample struct {
	Age        time.Duration
	CPUPercent float64
	RSSMB      float64
	Zombie     bool
}

// shouldCleanOrphan applies the age ladder:
//
//	age > 6h            always cleaned
//	2h  < age <= 6h     cleaned when hot (cpu/rss) or older than 4h
//	30m < age <= 2h     cleaned only when zombie or dead
//	age <= 30m          never touched; could be a peer's fresh start
func shouldCleanOrphan(s orphanSample) (bool, string) {
	switch {
	case s.Age > orphanConditional:
		return true, fmt.Sprintf("older than %s", orphanConditional)
	case s.Age > orphanZombieOnly:
		if s.CPUPercent > orphanCPUThreshold {
			return true, fmt.Sprintf("cpu %.1f%% above %.0f%%", s.CPUPercent, orphanCPUThreshold)
		}
		if s.RSSMB > orphanRSSMB {
			return true, fmt.Sprintf("rss %.0f MB above %.0f MB", s.RSSMB, orphanRSSMB)
		}
		if s.Age > orphanOldAge {
			return true, fmt.Sprintf("older than %s", orphanOldAge)
		}
		return false, ""
	case s.Age > orphanNeverTouch:
		if s.Zombie {
			return true, "zombie process"
		}
		return false, ""
	default:
		return false, ""
	}
}

// allPatterns is the union of every configured server's identification
// patterns and the well-known fallback list.
func (m *Manager) allPatterns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range m.cfg.Servers.GetAll() {
		for _, p := range sc.Patterns {
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	for _, p := range wellKnownPatterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// sweepOnce walks the OS process table. It reaps zombie children of the
// gateway itself, counts orphans matching the server patterns, and when
// clean is true runs process-tree cleanup on orphans the age ladder
// condemns. Returns counters for the leak monitor.
func (m *Manager) sweepOnce(ctx context.Context, clean bool) alerts.Counters {
	counters := alerts.Counters{Expected: m.statuses.expectedRunning()}

	m.reapRegistryZombies(ctx)

	patterns := m.allPatterns()
	owned := m.statuses.managedPIDs()
	counters.TotalManaged = len(owned)
	self := int32(os.Getpid())

	procs, err := process.Processes()
	if err != nil {
		m.logger.Warn("Process table scan failed", "error", err)
		return counters
	}

	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !matchesPatterns(cmdline, patterns) {
			continue
		}

		zombie := pidZombie(p.Pid)
		if zombie {
			counters.Zombie++
			reapChild(p.Pid)
		}
		if owned[p.Pid] {
			continue
		}

		counters.Orphaned++
		sample := m.sampleOrphan(p, zombie)
		if sample.Age > orphanConditional {
			counters.VeryOld++
		} else if sample.Age > orphanZombieOnly {
			counters.Old++
		}

		condemned, reason := shouldCleanOrphan(sample)
		if !condemned || !clean {
			continue
		}
		m.logger.Info("Cleaning orphan process",
			"pid", p.Pid, "age", sample.Age.Round(time.Minute), "reason", reason, "cmdline", cmdline)
		if err := terminateTree(ctx, p.Pid, internalCleanupTimeout); err != nil {
			m.logger.Warn("Orphan cleanup incomplete", "pid", p.Pid, "error", err)
		}
	}

	m.logger.Debug("Process sweep complete",
		"managed", counters.TotalManaged, "orphaned", counters.Orphaned,
		"zombie", counters.Zombie, "old", counters.Old, "very_old", counters.VeryOld)
	return counters
}

// sampleOrphan reads age and resource usage for the ladder decision.
func (m *Manager) sampleOrphan(p *process.Process, zombie bool) orphanSample {
	s := orphanSample{Zombie: zombie}
	if ms, err := p.CreateTime(); err == nil {
		s.Age = time.Since(time.UnixMilli(ms))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.RSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	return s
}

// reapRegistryZombies finds registry-tracked processes that turned into
// zombies, collects their exit status where the gateway is the parent,
// and flips their server records to not running. Servers whose startup
// lock is busy are skipped; the holder is already rewriting their state.
func (m *Manager) reapRegistryZombies(ctx context.Context) {
	for _, status := range m.statuses.all() {
		pi := status.ProcessInfo
		if !status.Running || pi == nil || pi.PID == 0 {
			continue
		}
		if !pidZombie(pi.PID) {
			continue
		}
		st, ok := m.statuses.state(status.Name)
		if !ok || !st.startMu.TryLock() {
			continue
		}
		reapChild(pi.PID)
		m.recordProbeFailure(ctx, status.Name, fmt.Sprintf("process %d became a zombie", pi.PID))
		st.startMu.Unlock()
	}
}

// RunZombieSweep runs one cleaning sweep immediately. The pool calls
// this on its second acquisition attempt so a crashed predecessor does
// not block a fresh start.
func (m *Manager) RunZombieSweep(ctx context.Context) {
	m.sweepOnce(ctx, true)
}
