//go:build windows

package process

import (
	"os"
)

// Windows has no process-group SIGTERM; both calls kill the child.
func SendTerminationSignal(pid int) error {
	return SendKillSignal(pid)
}

func SendKillSignal(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	_, err := os.FindProcess(pid)
	return err == nil, nil
}
