//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func exitStatusFromWait(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
	}
	return ExitStatus{Code: 1, Err: err}
}
