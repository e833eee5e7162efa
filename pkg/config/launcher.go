package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
	"github.com/core-tools/hsu-harness/pkg/preflight"
	"github.com/core-tools/hsu-harness/pkg/process"
	"github.com/core-tools/hsu-harness/pkg/supervisor"
)

const (
	FailedToGenerateMigration = "Failed to generate migration"
	FailedToApplyMigrations   = "Failed to apply migrations"
)

// BotUnitConfig represents the bot unit launcher configuration file
type BotUnitConfig struct {
	Tasks           []supervisor.TaskSpec `yaml:"tasks"`
	Follow          *bool                 `yaml:"follow,omitempty"`
	FollowHeaders   bool                  `yaml:"follow_headers,omitempty"`
	FailFast        bool                  `yaml:"fail_fast,omitempty"`
	GracefulTimeout time.Duration         `yaml:"graceful_timeout,omitempty"`
	PIDDir          string                `yaml:"pid_dir,omitempty"`
	EnvFiles        []string              `yaml:"env_files,omitempty"`
	Logging         logging.ZapConfig     `yaml:"logging,omitempty"`
}

// StepType selects how a preflight step runs
type StepType string

const (
	StepTypeCommand StepType = "command"
	StepTypeMigrate StepType = "migrate"
)

type StepConfig struct {
	Name           string                  `yaml:"name"`
	Type           StepType                `yaml:"type"`
	Execution      process.ExecutionConfig `yaml:"execution,omitempty"`
	FailureMessage string                  `yaml:"failure_message,omitempty"`
	// Migrate steps only. DatabaseURL defaults to DATABASE_URL.
	SourceURL   string `yaml:"source_url,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// WebhookUnitConfig represents the webhook unit launcher configuration file
type WebhookUnitConfig struct {
	Steps           []StepConfig            `yaml:"steps"`
	Serve           process.ExecutionConfig `yaml:"serve"`
	Strict          bool                    `yaml:"strict,omitempty"`
	GracefulTimeout time.Duration           `yaml:"graceful_timeout,omitempty"`
	EnvFiles        []string                `yaml:"env_files,omitempty"`
	Logging         logging.ZapConfig       `yaml:"logging,omitempty"`
}

// DefaultBotUnitConfig starts the job worker and the bot, each with its own log
func DefaultBotUnitConfig() *BotUnitConfig {
	config := &BotUnitConfig{
		Tasks: []supervisor.TaskSpec{
			{
				ID:        "arq",
				Execution: process.ExecutionConfig{ExecutablePath: "arq", Args: []string{"arq_jobs.WorkerSettings"}},
				LogFile:   "arq.log",
			},
			{
				ID:        "bot",
				Execution: process.ExecutionConfig{ExecutablePath: "python", Args: []string{"-m", "bot.main"}},
				LogFile:   "bot.log",
			},
		},
	}
	setBotUnitDefaults(config)
	return config
}

// DefaultWebhookUnitConfig generates and applies migrations, then serves
func DefaultWebhookUnitConfig() *WebhookUnitConfig {
	config := &WebhookUnitConfig{
		Steps: []StepConfig{
			{
				Name: "generate-migration",
				Type: StepTypeCommand,
				Execution: process.ExecutionConfig{
					ExecutablePath: "alembic",
					Args:           []string{"revision", "--autogenerate", "-m", "migration-" + preflight.TokenPlaceholder},
				},
				FailureMessage: FailedToGenerateMigration,
			},
			{
				Name:           "apply-migrations",
				Type:           StepTypeCommand,
				Execution:      process.ExecutionConfig{ExecutablePath: "alembic", Args: []string{"upgrade", "head"}},
				FailureMessage: FailedToApplyMigrations,
			},
		},
		Serve: process.ExecutionConfig{ExecutablePath: "python", Args: []string{"-m", "src.main"}},
	}
	setWebhookUnitDefaults(config)
	return config
}

func LoadBotUnitConfig(filename string) (*BotUnitConfig, error) {
	var config BotUnitConfig
	if err := loadYAML(filename, &config); err != nil {
		return nil, err
	}
	if len(config.Tasks) == 0 {
		config.Tasks = DefaultBotUnitConfig().Tasks
	}
	setBotUnitDefaults(&config)
	return &config, nil
}

func LoadWebhookUnitConfig(filename string) (*WebhookUnitConfig, error) {
	var config WebhookUnitConfig
	if err := loadYAML(filename, &config); err != nil {
		return nil, err
	}
	if config.Steps == nil {
		config.Steps = DefaultWebhookUnitConfig().Steps
	}
	if config.Serve.ExecutablePath == "" {
		config.Serve = DefaultWebhookUnitConfig().Serve
	}
	setWebhookUnitDefaults(&config)
	return &config, nil
}

func loadYAML(filename string, out interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}
	return nil
}

func setBotUnitDefaults(config *BotUnitConfig) {
	if config.Follow == nil {
		follow := true
		config.Follow = &follow
	}
	if config.GracefulTimeout == 0 {
		config.GracefulTimeout = supervisor.DefaultGracefulTimeout
	}
	if config.EnvFiles == nil {
		config.EnvFiles = []string{DefaultEnvFile}
	}
	setLoggingDefaults(&config.Logging)
}

func setWebhookUnitDefaults(config *WebhookUnitConfig) {
	for i := range config.Steps {
		step := &config.Steps[i]
		if step.Type == "" {
			step.Type = StepTypeCommand
		}
		if step.FailureMessage == "" {
			step.FailureMessage = "Failed to run " + step.Name
		}
	}
	if config.GracefulTimeout == 0 {
		config.GracefulTimeout = supervisor.DefaultGracefulTimeout
	}
	if config.EnvFiles == nil {
		config.EnvFiles = []string{DefaultEnvFile}
	}
	setLoggingDefaults(&config.Logging)
}

func setLoggingDefaults(config *logging.ZapConfig) {
	defaults := logging.DefaultZapConfig()
	if config.Level == "" {
		config.Level = defaults.Level
	}
	if config.Format == "" {
		config.Format = defaults.Format
	}
	if config.Output == "" {
		config.Output = defaults.Output
	}
}

func ValidateBotUnitConfig(config *BotUnitConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if err := supervisor.ValidateTasks(config.Tasks); err != nil {
		return errors.NewValidationError("invalid tasks configuration", err)
	}
	if config.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful timeout cannot be negative", nil)
	}
	return nil
}

func ValidateWebhookUnitConfig(config *WebhookUnitConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	seen := make(map[string]int)
	for i, step := range config.Steps {
		if step.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("step at index %d has no name", i), nil)
		}
		if prev, exists := seen[step.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate step name '%s' found at indices %d and %d", step.Name, prev, i), nil)
		}
		seen[step.Name] = i

		switch step.Type {
		case StepTypeCommand:
			if err := process.ValidateExecutionConfig(step.Execution); err != nil {
				return errors.NewValidationError("invalid step execution", err).WithContext("step", step.Name)
			}
		case StepTypeMigrate:
			if step.SourceURL == "" {
				return errors.NewValidationError("migrate step requires source_url", nil).WithContext("step", step.Name)
			}
		default:
			return errors.NewValidationError("unsupported step type: "+string(step.Type), nil).
				WithContext("step", step.Name).WithContext("supported_types", "command, migrate")
		}
	}

	if err := process.ValidateExecutionConfig(config.Serve); err != nil {
		return errors.NewValidationError("invalid serve execution", err)
	}
	if config.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful timeout cannot be negative", nil)
	}
	return nil
}

// SupervisorOptions maps the file settings onto supervisor options
func (c *BotUnitConfig) SupervisorOptions(m *metrics.Metrics) supervisor.Options {
	return supervisor.Options{
		FailFast:        c.FailFast,
		Follow:          c.Follow != nil && *c.Follow,
		FollowHeaders:   c.FollowHeaders,
		GracefulTimeout: c.GracefulTimeout,
		PIDDir:          c.PIDDir,
		Metrics:         m,
	}
}

// TasksWithEnv returns the tasks with env appended to each task's environment
func (c *BotUnitConfig) TasksWithEnv(env BotUnitEnv) []supervisor.TaskSpec {
	tasks := make([]supervisor.TaskSpec, len(c.Tasks))
	for i, task := range c.Tasks {
		task.Execution.Environment = append(append([]string{}, task.Execution.Environment...), env.Environ()...)
		tasks[i] = task
	}
	return tasks
}

// Sequence builds the preflight sequence. Migrate steps without a database
// URL use DATABASE_URL from env.
func (c *WebhookUnitConfig) Sequence(env WebhookUnitEnv, m *metrics.Metrics, logger logging.Logger) *preflight.Sequence {
	steps := make([]preflight.Step, 0, len(c.Steps))
	for _, step := range c.Steps {
		stepLogger := logging.NewComponentLogger("step: "+step.Name, logger)
		switch step.Type {
		case StepTypeMigrate:
			databaseURL := step.DatabaseURL
			if databaseURL == "" {
				databaseURL = env.DatabaseURL
			}
			steps = append(steps, &preflight.MigrateStep{
				StepName:    step.Name,
				SourceURL:   step.SourceURL,
				DatabaseURL: databaseURL,
				OnFailure:   step.FailureMessage,
				Logger:      stepLogger,
			})
		default:
			steps = append(steps, &preflight.CommandStep{
				StepName:        step.Name,
				Execution:       step.Execution,
				OnFailure:       step.FailureMessage,
				GracefulTimeout: c.GracefulTimeout,
				Logger:          stepLogger,
			})
		}
	}

	return &preflight.Sequence{
		Steps: steps,
		Serve: &preflight.ServeStep{
			Execution:       c.Serve,
			GracefulTimeout: c.GracefulTimeout,
			Logger:          logging.NewComponentLogger("serve", logger),
		},
		Strict:  c.Strict,
		Metrics: m,
		Logger:  logger,
	}
}
