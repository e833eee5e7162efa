package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
)

// PIDFilePath returns <dir>/<id>.pid
func PIDFilePath(dir string, id string) string {
	return filepath.Join(dir, id+".pid")
}

// WritePIDFile records pid for id under dir
func WritePIDFile(dir string, id string, pid int, logger logging.Logger) error {
	path := PIDFilePath(dir, id)
	logger.Debugf("Writing PID file, id: %s, pid: %d, path: %s", id, pid, path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("pid_file", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		logger.Errorf("Failed to write PID file, id: %s, pid: %d, path: %s, error: %v", id, pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	return nil
}

// ReadPIDFile reads back a PID written by WritePIDFile
func ReadPIDFile(dir string, id string) (int, error) {
	path := PIDFilePath(dir, id)
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	return ValidatePID(strings.TrimSpace(string(content)))
}

// RemovePIDFile deletes the PID file, ignoring a missing file
func RemovePIDFile(dir string, id string) error {
	path := PIDFilePath(dir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// ClaimPIDFile checks that no live process holds the PID file for id.
// A stale file is removed; a live one is a conflict.
func ClaimPIDFile(dir string, id string, logger logging.Logger) error {
	path := PIDFilePath(dir, id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	pid, err := ReadPIDFile(dir, id)
	if err != nil {
		logger.Warnf("Removing unreadable PID file, id: %s, path: %s, error: %v", id, path, err)
		return RemovePIDFile(dir, id)
	}

	running, err := IsProcessRunning(pid)
	if err != nil {
		return errors.NewProcessError("failed to check PID file owner", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	if running {
		return errors.NewConflictError("task is already running", nil).WithContext("id", id).WithContext("pid", pid)
	}

	logger.Infof("Removing stale PID file, id: %s, pid: %d", id, pid)
	return RemovePIDFile(dir, id)
}
