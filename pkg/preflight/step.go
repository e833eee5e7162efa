// Package preflight runs best-effort setup steps before handing the unit
// over to its foreground server process.
package preflight

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/process"
)

// TokenPlaceholder in command args is replaced with a fresh unique token per run
const TokenPlaceholder = "{token}"

const defaultGracefulTimeout = 10 * time.Second

type Step interface {
	Name() string
	Run(ctx context.Context) error
}

// FailureMessager lets a step choose the message logged when it fails
type FailureMessager interface {
	FailureMessage() string
}

type StepResult struct {
	Name      string
	Succeeded bool
	Err       error
	Duration  time.Duration
}

// FailureMessage returns the step's own failure message or a generic one
func FailureMessage(step Step) string {
	if m, ok := step.(FailureMessager); ok && m.FailureMessage() != "" {
		return m.FailureMessage()
	}
	return "Failed to run " + step.Name()
}

// CommandStep runs an external command to completion
type CommandStep struct {
	StepName        string
	Execution       process.ExecutionConfig
	OnFailure       string
	Output          io.Writer
	GracefulTimeout time.Duration
	NewToken        func() string
	Logger          logging.Logger
}

func (s *CommandStep) Name() string           { return s.StepName }
func (s *CommandStep) FailureMessage() string { return s.OnFailure }

func (s *CommandStep) Run(ctx context.Context) error {
	newToken := s.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	execution := s.Execution
	execution.Args = ExpandToken(execution.Args, newToken())

	output := s.Output
	if output == nil {
		output = os.Stdout
	}

	code, err := runToCompletion(ctx, execution, output, s.StepName, s.GracefulTimeout, s.Logger)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.NewProcessExitError(fmt.Sprintf("%s exited with code %d", s.StepName, code), code, nil).
			WithContext("step", s.StepName)
	}
	return nil
}

// ExpandToken replaces every {token} occurrence in args with token
func ExpandToken(args []string, token string) []string {
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = strings.ReplaceAll(arg, TokenPlaceholder, token)
	}
	return expanded
}

// MigrateStep applies all pending migrations from SourceURL to DatabaseURL
type MigrateStep struct {
	StepName    string
	SourceURL   string
	DatabaseURL string
	OnFailure   string
	Logger      logging.Logger
}

func (s *MigrateStep) Name() string           { return s.StepName }
func (s *MigrateStep) FailureMessage() string { return s.OnFailure }

func (s *MigrateStep) Run(ctx context.Context) error {
	if s.DatabaseURL == "" {
		return errors.NewMigrationError("database URL is not set", nil).WithContext("step", s.StepName)
	}

	m, err := migrate.New(s.SourceURL, MigrateDatabaseURL(s.DatabaseURL))
	if err != nil {
		return errors.NewMigrationError("failed to initialise migrations", err).WithContext("source", s.SourceURL)
	}
	defer m.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	err = m.Up()
	if stderrors.Is(err, migrate.ErrNoChange) {
		s.Logger.Infof("Migrations already at latest version, step: %s", s.StepName)
		return nil
	}
	if err != nil {
		return errors.NewMigrationError("failed to apply migrations", err).WithContext("source", s.SourceURL)
	}

	if version, dirty, verr := m.Version(); verr == nil {
		s.Logger.Infof("Migrations applied, step: %s, version: %d, dirty: %t", s.StepName, version, dirty)
	}
	return nil
}

// MigrateDatabaseURL drops a driver suffix from the scheme, so an
// application URL like postgresql+asyncpg://... reaches the postgres driver.
func MigrateDatabaseURL(databaseURL string) string {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return databaseURL
	}
	if base, _, found := strings.Cut(scheme, "+"); found {
		scheme = base
	}
	if scheme == "postgresql" {
		scheme = "postgres"
	}
	return scheme + "://" + rest
}

// ServeStep is the foreground server. Its exit code is the unit exit code.
type ServeStep struct {
	Execution       process.ExecutionConfig
	Output          io.Writer
	GracefulTimeout time.Duration
	Logger          logging.Logger
}

func (s *ServeStep) Run(ctx context.Context) (int, error) {
	output := s.Output
	if output == nil {
		output = os.Stdout
	}
	return runToCompletion(ctx, s.Execution, output, "serve", s.GracefulTimeout, s.Logger)
}

// runToCompletion starts a process and waits for it, terminating its group
// if ctx is cancelled first. Only a failure to start is returned as an error.
func runToCompletion(ctx context.Context, execution process.ExecutionConfig, output io.Writer, id string, timeout time.Duration, logger logging.Logger) (int, error) {
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}

	p, err := process.Start(execution, output, id, logger)
	if err != nil {
		return 1, err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		logger.Infof("Context cancelled, terminating %s", id)
		p.Terminate(timeout)
	}

	return p.Wait().Code, nil
}
