//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so that
// signalling -pid reaches the whole tree (shell wrappers included).
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// exitStatusFromWait follows shell conventions: a signal death is 128+signal.
func exitStatusFromWait(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: 128 + int(ws.Signal()), Signaled: true, Err: err}
		}
		return ExitStatus{Code: exitErr.ExitCode(), Err: err}
	}

	// I/O copy or WaitDelay errors; keep the real exit code if we have one
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
	}
	return ExitStatus{Code: 1, Err: err}
}
