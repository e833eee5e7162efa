// Package supervisor runs a fixed group of sibling processes inside one unit
// and keeps the unit alive until every one of them has exited.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logfollow"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
	"github.com/core-tools/hsu-harness/pkg/process"
)

const DefaultGracefulTimeout = 10 * time.Second

// Exit code reported for a task whose executable could not be found, as a shell would
const exitCodeNotFound = 127

type TaskSpec struct {
	ID        string                  `yaml:"id"`
	Execution process.ExecutionConfig `yaml:"execution"`
	LogFile   string                  `yaml:"log_file"`
}

type Options struct {
	// FailFast stops the remaining tasks as soon as any task exits.
	// Off by default: one task dying does not end the unit.
	FailFast        bool
	Follow          bool
	FollowOutput    io.Writer
	FollowHeaders   bool
	GracefulTimeout time.Duration
	PIDDir          string
	Metrics         *metrics.Metrics
}

type TaskResult struct {
	ID        string
	PID       int
	Started   bool
	ExitCode  int
	Signaled  bool
	Err       error
	StartedAt time.Time
	ExitedAt  time.Time
}

type Result struct {
	Tasks []TaskResult
}

// ExitCode is the first nonzero task exit code in declaration order, or 0
func (r *Result) ExitCode() int {
	for _, task := range r.Tasks {
		if task.ExitCode != 0 {
			return task.ExitCode
		}
	}
	return 0
}

// Err aggregates every task that failed to start or exited nonzero
func (r *Result) Err() error {
	collection := errors.NewErrorCollection()
	for _, task := range r.Tasks {
		switch {
		case !task.Started:
			collection.Add(task.Err)
		case task.ExitCode != 0:
			collection.Add(errors.NewProcessExitError(
				fmt.Sprintf("task %s exited with code %d", task.ID, task.ExitCode), task.ExitCode, task.Err,
			).WithContext("task_id", task.ID).WithContext("pid", task.PID))
		}
	}
	return collection.ToError()
}

type Supervisor struct {
	tasks   []TaskSpec
	options Options
	logger  logging.Logger
}

func New(tasks []TaskSpec, options Options, logger logging.Logger) (*Supervisor, error) {
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	if options.Follow && options.FollowOutput == nil {
		options.FollowOutput = os.Stdout
	}
	return &Supervisor{tasks: tasks, options: options, logger: logger}, nil
}

// Run starts every task in order, then waits for each of them in order.
// It returns only after all started tasks have exited. Cancelling ctx
// terminates the tasks; Run still waits for them.
func (s *Supervisor) Run(ctx context.Context) *Result {
	result := &Result{Tasks: make([]TaskResult, len(s.tasks))}
	running := make([]*process.Process, len(s.tasks))

	for i, spec := range s.tasks {
		result.Tasks[i].ID = spec.ID

		taskLogger := logging.NewComponentLogger("task: "+spec.ID, s.logger)
		if s.options.PIDDir != "" {
			if err := process.ClaimPIDFile(s.options.PIDDir, spec.ID, taskLogger); err != nil {
				s.logger.Errorf("Not starting task, id: %s, error: %v", spec.ID, err)
				result.Tasks[i].Err = err
				result.Tasks[i].ExitCode = 1
				continue
			}
		}

		p, err := process.StartWithLogFile(spec.Execution, spec.LogFile, spec.ID, taskLogger)
		if err != nil {
			s.logger.Errorf("Failed to start task, id: %s, error: %v", spec.ID, err)
			result.Tasks[i].Err = err
			result.Tasks[i].ExitCode = 1
			if errors.IsNotFoundError(err) {
				result.Tasks[i].ExitCode = exitCodeNotFound
			}
			continue
		}

		running[i] = p
		result.Tasks[i].Started = true
		result.Tasks[i].PID = p.PID()
		result.Tasks[i].StartedAt = p.StartedAt()
		s.logger.Infof("Task started, id: %s, PID: %d, log file: %s", spec.ID, p.PID(), spec.LogFile)

		if s.options.PIDDir != "" {
			if err := process.WritePIDFile(s.options.PIDDir, spec.ID, p.PID(), s.logger); err != nil {
				s.logger.Warnf("Failed to write PID file, id: %s, error: %v", spec.ID, err)
			}
		}
	}

	stopFollowing := s.startFollower()
	defer stopFollowing()

	runDone := make(chan struct{})
	defer close(runDone)

	var stopOnce sync.Once
	stopAll := func(reason string) {
		stopOnce.Do(func() {
			s.logger.Infof("Stopping all tasks, reason: %s", reason)
			for _, p := range running {
				if p != nil && !p.Exited() {
					go p.Terminate(s.options.GracefulTimeout)
				}
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stopAll("context cancelled")
		case <-runDone:
		}
	}()

	if s.options.FailFast {
		for _, p := range running {
			if p == nil {
				continue
			}
			go func(p *process.Process) {
				select {
				case <-p.Done():
					stopAll(fmt.Sprintf("task %s exited and fail-fast is enabled", p.ID()))
				case <-runDone:
				}
			}(p)
		}
	}

	for i, p := range running {
		if p == nil {
			continue
		}
		status := p.Wait()
		task := &result.Tasks[i]
		task.ExitCode = status.Code
		task.Signaled = status.Signaled
		task.Err = status.Err
		task.ExitedAt = status.ExitedAt

		s.options.Metrics.TaskExited(task.ID, status.Success(), task.ExitedAt.Sub(task.StartedAt))

		if s.options.PIDDir != "" {
			if err := process.RemovePIDFile(s.options.PIDDir, task.ID); err != nil {
				s.logger.Warnf("Failed to remove PID file, id: %s, error: %v", task.ID, err)
			}
		}

		if remaining := s.liveTasks(running[i+1:]); len(remaining) > 0 {
			s.logger.Warnf("Task exited, still waiting for: %v, id: %s, code: %d", remaining, task.ID, task.ExitCode)
		} else {
			s.logger.Infof("Task exited, id: %s, code: %d", task.ID, task.ExitCode)
		}
	}

	if err := result.Err(); err != nil {
		s.logger.Errorf("Supervised tasks finished with failures, exit code: %d, error: %v", result.ExitCode(), err)
	} else {
		s.logger.Infof("All supervised tasks finished cleanly")
	}
	return result
}

func (s *Supervisor) liveTasks(processes []*process.Process) []string {
	var ids []string
	for _, p := range processes {
		if p != nil && !p.Exited() {
			ids = append(ids, p.ID())
		}
	}
	return ids
}

// startFollower streams all task log files to FollowOutput. The follower has
// no lifetime of its own; it ends when the returned func is called.
func (s *Supervisor) startFollower() func() {
	if !s.options.Follow {
		return func() {}
	}

	files := make([]string, 0, len(s.tasks))
	for _, spec := range s.tasks {
		files = append(files, spec.LogFile)
	}

	follower, err := logfollow.New(logfollow.Options{
		Files:     files,
		Output:    s.options.FollowOutput,
		Headers:   s.options.FollowHeaders,
		FromStart: true,
	}, logging.NewComponentLogger("follow", s.logger))
	if err != nil {
		s.logger.Errorf("Failed to create log follower: %v", err)
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := follower.Run(ctx); err != nil {
			s.logger.Warnf("Log follower stopped: %v", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ValidateTasks checks ids, commands and log files are present and distinct
func ValidateTasks(tasks []TaskSpec) error {
	if len(tasks) == 0 {
		return errors.NewValidationError("at least one task is required", nil)
	}

	seenIDs := make(map[string]int)
	seenLogs := make(map[string]int)
	for i, task := range tasks {
		if task.ID == "" {
			return errors.NewValidationError(fmt.Sprintf("task at index %d has no id", i), nil)
		}
		if prev, exists := seenIDs[task.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate task ID '%s' found at indices %d and %d", task.ID, prev, i), nil)
		}
		seenIDs[task.ID] = i

		if err := process.ValidateExecutionConfig(task.Execution); err != nil {
			return errors.NewValidationError("invalid task execution", err).WithContext("task_id", task.ID)
		}
		if err := process.ValidateLogFile(task.LogFile); err != nil {
			return errors.NewValidationError("invalid task log file", err).WithContext("task_id", task.ID)
		}
		if prev, exists := seenLogs[task.LogFile]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("tasks at indices %d and %d share log file %s", prev, i, task.LogFile), nil,
			).WithContext("task_id", task.ID)
		}
		seenLogs[task.LogFile] = i
	}
	return nil
}
