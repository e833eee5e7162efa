package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-harness/pkg/config"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
	"github.com/core-tools/hsu-harness/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config          string        `long:"config" short:"c" description:"bot unit configuration file, built-in tasks when empty"`
	EnvFiles        []string      `long:"env-file" description:"env file loaded before the unit environment is decoded (repeatable)"`
	NoFollow        bool          `long:"no-follow" description:"do not stream task logs to stdout"`
	FailFast        bool          `long:"fail-fast" description:"stop the remaining tasks as soon as one exits"`
	GracefulTimeout time.Duration `long:"graceful-timeout" description:"time a task gets to exit after SIGTERM"`
	PIDDir          string        `long:"pid-dir" description:"directory for task PID files"`
	LogLevel        string        `long:"log-level" description:"debug, info, warn or error"`
	MetricsAddr     string        `long:"metrics-addr" description:"serve Prometheus metrics on this address"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(opts))
}

func run(opts flagOptions) int {
	cfg := config.DefaultBotUnitConfig()
	if opts.Config != "" {
		loaded, err := config.LoadBotUnitConfig(opts.Config)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	applyFlags(cfg, opts)
	if err := config.ValidateBotUnitConfig(cfg); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		return 1
	}

	logger, flush, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return 1
	}
	defer flush()
	logger = logging.NewComponentLogger("bot-unit", logger)

	loaded, err := config.LoadEnvFiles(cfg.EnvFiles...)
	if err != nil {
		logger.Errorf("Failed to load env files: %v", err)
		return 1
	}
	logger.Debugf("Env files loaded: %v", loaded)

	env, err := config.DecodeBotUnitEnv()
	if err != nil {
		logger.Errorf("Invalid unit environment: %v", err)
		return 1
	}
	logger.Infof("Unit environment, webhook: %s, redis: %s", env.WebhookBaseURL, env.RedisURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := startMetrics(ctx, opts.MetricsAddr, logger)
	if err != nil {
		logger.Errorf("Failed to set up metrics: %v", err)
		return 1
	}

	sup, err := supervisor.New(cfg.TasksWithEnv(env), cfg.SupervisorOptions(m), logger)
	if err != nil {
		logger.Errorf("Failed to create supervisor: %v", err)
		return 1
	}

	result := sup.Run(ctx)
	if err := result.Err(); err != nil {
		logger.Warnf("Unit finished with failures: %v", err)
	}
	code := result.ExitCode()
	logger.Infof("Unit stopped, exit code: %d", code)
	return code
}

func applyFlags(cfg *config.BotUnitConfig, opts flagOptions) {
	if len(opts.EnvFiles) > 0 {
		cfg.EnvFiles = opts.EnvFiles
	}
	if opts.NoFollow {
		follow := false
		cfg.Follow = &follow
	}
	if opts.FailFast {
		cfg.FailFast = true
	}
	if opts.GracefulTimeout > 0 {
		cfg.GracefulTimeout = opts.GracefulTimeout
	}
	if opts.PIDDir != "" {
		cfg.PIDDir = opts.PIDDir
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
}

func startMetrics(ctx context.Context, addr string, logger logging.Logger) (*metrics.Metrics, error) {
	if addr == "" {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := metrics.Serve(ctx, addr, registry); err != nil {
			logger.Warnf("Metrics server stopped, error: %v", err)
		}
	}()
	logger.Infof("Serving metrics, addr: %s", addr)
	return m, nil
}
