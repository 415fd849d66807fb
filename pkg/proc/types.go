// Package proc owns the tool-server subprocess lifecycle: the status
// registry, the launcher with startup classification, the health probe,
// the leak and zombie reaper, and the background supervisor that ties
// them together.
package proc

import (
	"errors"
	"time"
)

// ExitMode describes how a running server relates to an OS process.
type ExitMode string

const (
	// ExitModeAlive is a long-lived child with a live pid.
	ExitModeAlive ExitMode = "alive"
	// ExitModeStdio marks a server that legitimately exits after emitting
	// a success marker and is re-spawned per stdio session. Running is
	// true with no pid.
	ExitModeStdio ExitMode = "stdio"
)

// ProcessInfo is a point-in-time snapshot of the server's OS process.
type ProcessInfo struct {
	PID        int32     `json:"pid,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	ExitMode   ExitMode  `json:"exit_mode"`
	CPUPercent float64   `json:"cpu_percent"`
	MemMB      float64   `json:"mem_mb"`
	Children   []int32   `json:"children,omitempty"`
}

func (pi *ProcessInfo) clone() *ProcessInfo {
	if pi == nil {
		return nil
	}
	cp := *pi
	cp.Children = append([]int32(nil), pi.Children...)
	return &cp
}

// ServerStatus is the registry entry for one configured server.
// Mutated only by the supervisor and the launcher under the per-server
// startup lock.
type ServerStatus struct {
	Name                string       `json:"name"`
	Enabled             bool         `json:"enabled"`
	Running             bool         `json:"running"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	RestartCount        int          `json:"restart_count"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastRestartAt       time.Time    `json:"last_restart_at"`
	MarkedFailed        bool         `json:"marked_failed"`
	LastError           string       `json:"last_error,omitempty"`
	ProcessInfo         *ProcessInfo `json:"process_info,omitempty"`
}

func (s ServerStatus) clone() ServerStatus {
	s.ProcessInfo = s.ProcessInfo.clone()
	return s
}

// StdioMode reports whether the server currently runs in stdio mode.
func (s ServerStatus) StdioMode() bool {
	return s.ProcessInfo != nil && s.ProcessInfo.ExitMode == ExitModeStdio
}

// StartResult reports the outcome of a successful start call.
type StartResult struct {
	PID       int32
	Adopted   bool
	StdioMode bool
}

// EnsureResult reports the state observed by EnsureRunning.
type EnsureResult struct {
	Running    bool
	PID        int32
	StdioMode  bool
	Attachable bool
}

// Flow-control sentinels. The HTTP edge and the pool translate these into
// taxonomy errors where they escape.
var (
	// ErrServerNotRunning signals that no attachable instance exists and
	// no spawn was attempted (connect-only discovery).
	ErrServerNotRunning = errors.New("server not running")

	// ErrMarkedFailed signals that the server hit the consecutive-failure
	// threshold and starts are blocked until an explicit reset.
	ErrMarkedFailed = errors.New("server marked failed")

	// ErrCooldownActive signals that a non-forced start came too soon
	// after the previous attempt.
	ErrCooldownActive = errors.New("restart cooldown active")
)

// Failure threshold and timing constants.
const (
	// maxConsecutiveFailures marks a server failed once reached.
	maxConsecutiveFailures = 3

	// adoptionSamples and adoptionSampleGap verify that a discovered pid
	// is stable before adopting it.
	adoptionSamples   = 3
	adoptionSampleGap = 100 * time.Millisecond

	// immediateExitWindow watches a fresh child for obvious startup failure.
	immediateExitWindow = 2 * time.Second

	// outputWindows and outputWindowLen pace startup output collection.
	outputWindows   = 3
	outputWindowLen = 500 * time.Millisecond

	// responsivenessGrace skips the stopped/traced probe step for processes
	// created within this window.
	responsivenessGrace = 30 * time.Second

	// internalCleanupTimeout is the graceful wait used for process-tree
	// cleanup outside full shutdown.
	internalCleanupTimeout = 3 * time.Second

	// killWait is the post-SIGKILL wait before reporting cleanup failure.
	killWait = 2 * time.Second
)
