package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
)

// ErrHandleClosed is returned by WriteLine after the handle was closed.
var ErrHandleClosed = errors.New("stdio handle closed")

const (
	// lineChanBuffer absorbs output between startup classification and the
	// moment a protocol reader attaches.
	lineChanBuffer = 256

	// scannerInitial and scannerMax bound a single output line. Tool
	// responses can carry large payloads on one line.
	scannerInitial = 64 * 1024
	scannerMax     = 10 * 1024 * 1024
)

// StdioHandle is the owned stdio channel of a spawned server child.
// Stdout lines carry the wire protocol once startup classification is
// done; stderr lines are diagnostics. A handle has at most one protocol
// owner at a time, claimed via Claim.
type StdioHandle struct {
	pid       int32
	startedAt time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines  chan string
	stderr chan string

	// done closes after both output streams hit EOF and the child is
	// reaped. ExitCode is valid only after done.
	done chan struct{}

	writeMu   sync.Mutex
	claimed   atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// spawn starts the configured command with its own process group and
// wires up the stdio plumbing. The returned handle's lines and stderr
// channels close on stream EOF; done closes once the child is reaped.
func spawn(sc *config.ServerConfig, env []string) (*StdioHandle, error) {
	cmd := exec.Command(sc.Command, sc.Args...)
	cmd.Env = env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &StdioHandle{
		pid:       int32(cmd.Process.Pid),
		startedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan string, lineChanBuffer),
		stderr:    make(chan string, lineChanBuffer),
		done:      make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.scanInto(stdout, h.lines, &readers)
	go h.scanInto(stderr, h.stderr, &readers)

	// Reap only after both pipes are drained so no trailing output is lost.
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

func (h *StdioHandle) scanInto(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scannerInitial), scannerMax)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// PID returns the child's process id.
func (h *StdioHandle) PID() int32 { return h.pid }

// StartedAt returns the spawn time.
func (h *StdioHandle) StartedAt() time.Time { return h.startedAt }

// Lines returns the stdout line stream. Closed on EOF.
func (h *StdioHandle) Lines() <-chan string { return h.lines }

// StderrLines returns the stderr line stream. Closed on EOF.
func (h *StdioHandle) StderrLines() <-chan string { return h.stderr }

// Done closes once the child exited and was reaped.
func (h *StdioHandle) Done() <-chan struct{} { return h.done }

// ExitCode returns the child's exit code. Valid only after Done.
func (h *StdioHandle) ExitCode() int {
	select {
	case <-h.done:
	default:
		return -1
	}
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Exited reports whether the child has exited and been reaped.
func (h *StdioHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Claim marks the handle as owned by a protocol connection. Returns
// false if another owner already claimed it.
func (h *StdioHandle) Claim() bool {
	return h.claimed.CompareAndSwap(false, true)
}

// Claimed reports whether a protocol connection owns the handle.
func (h *StdioHandle) Claimed() bool { return h.claimed.Load() }

// WriteLine writes one protocol line followed by a newline. Writes are
// serialized so concurrent callers cannot interleave partial lines.
func (h *StdioHandle) WriteLine(line string) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// Close closes the child's stdin. For stdio servers that is the shutdown
// signal: EOF on stdin means exit. Killing stragglers is the process-tree
// cleanup's job, not Close's.
func (h *StdioHandle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		_ = h.stdin.Close()
	})
}
