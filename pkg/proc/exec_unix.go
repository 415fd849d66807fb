//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so the whole
// tree can be signalled at once.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the child's process group. The child is its
// own group leader, so -pid addresses the group.
func signalGroup(pid int32, sig syscall.Signal) error {
	return syscall.Kill(-int(pid), sig)
}

// signalPID sends sig to a single process.
func signalPID(pid int32, sig syscall.Signal) error {
	return syscall.Kill(int(pid), sig)
}

// reapChild attempts a non-blocking wait on a direct child, clearing its
// zombie entry if it already exited. Returns true when an exit status was
// collected.
func reapChild(pid int32) bool {
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(int(pid), &ws, syscall.WNOHANG, nil)
	return err == nil && wpid == int(pid)
}
