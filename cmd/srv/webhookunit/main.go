package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-harness/pkg/config"
	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string   `long:"config" short:"c" description:"webhook unit configuration file, built-in steps when empty"`
	EnvFiles    []string `long:"env-file" description:"env file loaded before the unit environment is decoded (repeatable)"`
	Strict      bool     `long:"strict" description:"do not start the server when a preflight step fails"`
	LogLevel    string   `long:"log-level" description:"debug, info, warn or error"`
	MetricsAddr string   `long:"metrics-addr" description:"serve Prometheus metrics on this address"`
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
	cfg := config.DefaultWebhookUnitConfig()
	if opts.Config != "" {
		loaded, err := config.LoadWebhookUnitConfig(opts.Config)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if len(opts.EnvFiles) > 0 {
		cfg.EnvFiles = opts.EnvFiles
	}
	if opts.Strict {
		cfg.Strict = true
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := config.ValidateWebhookUnitConfig(cfg); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		return 1
	}

	logger, flush, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return 1
	}
	defer flush()
	logger = logging.NewComponentLogger("webhook-unit", logger)

	if _, err := config.LoadEnvFiles(cfg.EnvFiles...); err != nil {
		logger.Errorf("Failed to load env files: %v", err)
		return 1
	}
	env, err := config.DecodeWebhookUnitEnv()
	if err != nil {
		logger.Warnf("Invalid unit environment, migrate steps will fail: %v", err)
		env = config.WebhookUnitEnv{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if opts.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if m, err = metrics.New(registry); err != nil {
			logger.Errorf("Failed to set up metrics: %v", err)
			return 1
		}
		go func() {
			if err := metrics.Serve(ctx, opts.MetricsAddr, registry); err != nil {
				logger.Warnf("Metrics server stopped, error: %v", err)
			}
		}()
	}

	report, err := cfg.Sequence(env, m, logger).Run(ctx)
	if err != nil {
		logger.Errorf("Launch failed: %v", err)
		if report == nil {
			return errors.ExitCodeOf(err)
		}
	}
	return report.ExitCode
}
