package errkind

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os/exec"
	"strings"
	"syscall"
)

// substringRule maps an error-text fragment to a kind. Rules are evaluated
// in order; the first match wins, so more specific fragments come first.
type substringRule struct {
	fragment string
	kind     Kind
}

var substringRules = []substringRule{
	{"connection refused", ConnectionRefused},
	{"connection reset", ConnectionLost},
	{"broken pipe", ConnectionLost},
	{"connection closed", ConnectionLost},
	{"use of closed", ConnectionLost},
	{"file already closed", ConnectionLost},
	{"no such host", ConnectionFailed},
	{"network is unreachable", ConnectionFailed},
	{"tool not found", ToolNotFound},
	{"unknown tool", ToolNotFound},
	{"invalid params", ToolInvalidParams},
	{"invalid parameters", ToolInvalidParams},
	{"invalid arguments", ToolInvalidParams},
	{"permission denied", ProcessPermissionDenied},
	{"access denied", ProcessPermissionDenied},
	{"operation not permitted", ProcessPermissionDenied},
	{"executable file not found", ProcessStartFailed},
	{"no such file or directory", ProcessStartFailed},
	{"enoent", ProcessStartFailed},
	{"defunct", ProcessZombie},
	{"zombie", ProcessZombie},
	{"out of memory", ResourceExhausted},
	{"too many open files", ResourceExhausted},
	{"resource temporarily unavailable", ResourceExhausted},
	{"signal: killed", ProcessCrashed},
	{"signal: terminated", ProcessCrashed},
	{"exit status", ProcessCrashed},
	{"process exited", ProcessCrashed},
	{"timed out", ConnectionTimeout},
	{"timeout", ConnectionTimeout},
	{"deadline exceeded", ConnectionTimeout},
}

// Classify maps a raw error to a taxonomy kind. Classified errors keep
// their kind; typed errors are checked before the substring table so a
// wrapped net.Error is never misread by its text.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectionTimeout
	}
	if errors.Is(err, context.Canceled) {
		return InternalError
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return ConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ConnectionTimeout
		}
		return ConnectionFailed
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return ProcessStartFailed
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return ProcessPermissionDenied
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if strings.Contains(msg, rule.fragment) {
			return rule.kind
		}
	}

	return UnknownError
}
