package proc

import (
	"context"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// descendants returns every live descendant pid of root, depth-first.
// Best effort: children that exit mid-walk are skipped.
func descendants(root int32) []int32 {
	p, err := process.NewProcess(root)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, c := range children {
		out = append(out, c.Pid)
		out = append(out, descendants(c.Pid)...)
	}
	return out
}

// pidAlive reports whether the pid exists in the process table. Zombies
// count as existing.
func pidAlive(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}

// pidZombie reports whether the process is a zombie or dead.
func pidZombie(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(statuses, process.Zombie)
}

// pidStopped reports whether the process is stopped or traced.
func pidStopped(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(statuses, process.Stop)
}

// terminateTree takes down pid and all of its descendants:
//
//  1. Collect the full tree (root first, so the set is stable even as
//     parents die and children get reparented).
//  2. SIGTERM everything, then poll up to graceful for exits.
//  3. SIGKILL survivors, then poll up to killWait.
//
// Returns an error naming pids that still run afterwards. Zombies are
// not counted as survivors; they are their parent's problem.
func terminateTree(ctx context.Context, pid int32, graceful time.Duration) error {
	targets := append([]int32{pid}, descendants(pid)...)

	for _, t := range targets {
		_ = signalPID(t, syscall.SIGTERM)
	}
	remaining := waitGone(ctx, targets, graceful)
	if len(remaining) == 0 {
		return nil
	}

	for _, t := range remaining {
		_ = signalPID(t, syscall.SIGKILL)
	}
	remaining = waitGone(ctx, remaining, killWait)
	if len(remaining) == 0 {
		return nil
	}
	return fmt.Errorf("process tree cleanup incomplete, still alive: %v", remaining)
}

// waitGone polls until every pid is gone (or only zombies remain), the
// timeout passes, or ctx is cancelled. Returns pids still truly alive.
func waitGone(ctx context.Context, pids []int32, timeout time.Duration) []int32 {
	deadline := time.Now().Add(timeout)
	for {
		var alive []int32
		for _, pid := range pids {
			if pidAlive(pid) && !pidZombie(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return alive
		}
		select {
		case <-ctx.Done():
			return alive
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// snapshotProcessInfo samples the OS state of a running pid into a
// ProcessInfo. Fields that cannot be read are left zero.
func snapshotProcessInfo(pid int32, startedAt time.Time) *ProcessInfo {
	pi := &ProcessInfo{
		PID:       pid,
		StartedAt: startedAt,
		ExitMode:  ExitModeAlive,
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return pi
	}
	if cmdline, err := p.Cmdline(); err == nil {
		pi.Cmdline = cmdline
	}
	if cpu, err := p.CPUPercent(); err == nil {
		pi.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		pi.MemMB = float64(mem.RSS) / (1024 * 1024)
	}
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			pi.Children = append(pi.Children, c.Pid)
		}
	}
	return pi
}
