package process

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// ExitStatus describes how a managed process ended
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
	ExitedAt time.Time
}

// Success reports a clean zero exit
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Err == nil
}

// Process is a spawned child running in its own process group
type Process struct {
	id        string
	cmd       *exec.Cmd
	startedAt time.Time
	logger    logging.Logger

	done   chan struct{}
	mutex  sync.Mutex
	status ExitStatus
	closer io.Closer
}

// Start spawns the process with stdout and stderr both going to output.
// When output is an *os.File the child writes to it directly.
func Start(execution ExecutionConfig, output io.Writer, id string, logger logging.Logger) (*Process, error) {
	if err := ValidateExecutionConfig(execution); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	executable, err := resolveExecutable(execution.ExecutablePath)
	if err != nil {
		return nil, errors.NewNotFoundError("executable not found", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Debugf("Executing process: id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, executable, execution.Args, execution.WorkingDirectory)

	cmd := exec.Command(executable, execution.Args...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = append(os.Environ(), execution.Environment...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = execution.WaitDelay

	// Platform-specific setup is handled in execute_unix.go or execute_windows.go
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", executable)
	}

	p := &Process{
		id:        id,
		cmd:       cmd,
		startedAt: time.Now(),
		logger:    logger,
		done:      make(chan struct{}),
	}
	go p.wait()

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)
	return p, nil
}

// StartWithLogFile truncates logFile (creating parent directories) and
// starts the process with its combined output redirected there.
func StartWithLogFile(execution ExecutionConfig, logFile string, id string, logger logging.Logger) (*Process, error) {
	file, err := OpenLogFile(logFile)
	if err != nil {
		return nil, err
	}
	p, err := Start(execution, file, id, logger)
	if err != nil {
		file.Close()
		return nil, err
	}
	p.closer = file
	return p, nil
}

// OpenLogFile opens path for writing, truncating any previous content.
func OpenLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", dir)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	return file, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	status := exitStatusFromWait(p.cmd, err)
	status.ExitedAt = time.Now()

	if p.closer != nil {
		p.closer.Close()
	}

	p.mutex.Lock()
	p.status = status
	p.mutex.Unlock()
	close(p.done)

	if status.Success() {
		p.logger.Infof("Process exited, id: %s, PID: %d, code: 0", p.id, p.PID())
	} else {
		p.logger.Warnf("Process exited, id: %s, PID: %d, code: %d, signaled: %t, error: %v",
			p.id, p.PID(), status.Code, status.Signaled, status.Err)
	}
}

func (p *Process) ID() string {
	return p.id
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the process has been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. It may be called more than once.
func (p *Process) Wait() ExitStatus {
	<-p.done
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.status
}

// Exited reports whether the process has been reaped
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process group to stop, escalating to a kill after timeout.
// It returns once the process has exited.
func (p *Process) Terminate(timeout time.Duration) ExitStatus {
	if p.Exited() {
		return p.Wait()
	}

	p.logger.Infof("Terminating process, id: %s, PID: %d, timeout: %v", p.id, p.PID(), timeout)
	if err := SendTerminationSignal(p.PID()); err != nil {
		p.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", p.id, p.PID(), err)
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return p.Wait()
		case <-timer.C:
		}
	}

	p.logger.Warnf("Process did not stop in time, killing, id: %s, PID: %d", p.id, p.PID())
	if err := SendKillSignal(p.PID()); err != nil {
		p.logger.Errorf("Failed to kill process, id: %s, PID: %d, error: %v", p.id, p.PID(), err)
	}
	return p.Wait()
}

func resolveExecutable(path string) (string, error) {
	if filepath.Base(path) != path {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return exec.LookPath(path)
}
