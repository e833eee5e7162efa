package preflight

import (
	"context"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
)

type Report struct {
	Steps    []StepResult
	Served   bool
	ExitCode int
	// Degraded is set when the server came up after a preflight step failed
	Degraded bool
}

// Sequence runs preflight steps in order, then the server.
// A failed step is logged and skipped over unless Strict is set.
type Sequence struct {
	Steps   []Step
	Serve   *ServeStep
	Strict  bool
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

func (s *Sequence) Run(ctx context.Context) (*Report, error) {
	if s.Serve == nil {
		return nil, errors.NewValidationError("serve step is required", nil)
	}

	report := &Report{}
	for _, step := range s.Steps {
		result := s.runStep(ctx, step)
		report.Steps = append(report.Steps, result)
		s.Metrics.PreflightStep(result.Name, result.Succeeded)

		if result.Succeeded {
			continue
		}
		report.Degraded = true

		if s.Strict {
			report.ExitCode = 1
			s.Logger.Errorf("Strict preflight enabled, not starting the server, step: %s", result.Name)
			return report, errors.NewMigrationError(FailureMessage(step), result.Err).WithContext("step", result.Name)
		}
	}

	if err := ctx.Err(); err != nil {
		report.ExitCode = 1
		return report, errors.NewCancelledError("launch cancelled before serving", err)
	}

	if report.Degraded {
		s.Logger.Warnf("Starting server after preflight failures")
	}
	s.Logger.Infof("Starting server")

	code, err := s.Serve.Run(ctx)
	report.ExitCode = code
	if err != nil {
		s.Logger.Errorf("Failed to start server: %v", err)
		return report, err
	}
	report.Served = true

	if code != 0 {
		s.Logger.Warnf("Server exited, code: %d", code)
	} else {
		s.Logger.Infof("Server exited, code: 0")
	}
	return report, nil
}

func (s *Sequence) runStep(ctx context.Context, step Step) StepResult {
	s.Logger.Infof("Running preflight step: %s", step.Name())

	start := time.Now()
	err := step.Run(ctx)
	result := StepResult{
		Name:      step.Name(),
		Succeeded: err == nil,
		Err:       err,
		Duration:  time.Since(start),
	}

	if err != nil {
		s.Logger.With("step", result.Name, "error", err, "duration", result.Duration).
			Warnf("%s", FailureMessage(step))
	} else {
		s.Logger.Infof("Preflight step succeeded: %s, duration: %v", result.Name, result.Duration)
	}
	return result
}
