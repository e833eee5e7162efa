package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-harness/pkg/config"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
	"github.com/core-tools/hsu-harness/pkg/topology"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Manifest string `long:"file" short:"f" description:"topology manifest, the built-in deployment when empty"`
	EnvFile  string `long:"env-file" default:".env" description:"env file used to resolve ${VAR} references"`
	LogLevel string `long:"log-level" default:"info" description:"debug, info, warn or error"`
}

var globalOpts globalOptions

type validateCommand struct{}

type planCommand struct{}

type renderCommand struct {
	Output string `long:"output" short:"o" description:"write the compose file here instead of stdout"`
}

type upCommand struct {
	LogDir                     string        `long:"log-dir" description:"per-unit log files, stdout when empty"`
	RequireHealthyDependencies bool          `long:"require-healthy-dependencies" description:"wait for health on every dependency that declares a check"`
	GracefulTimeout            time.Duration `long:"graceful-timeout" default:"10s" description:"time a unit gets to exit after SIGTERM"`
	MetricsAddr                string        `long:"metrics-addr" description:"serve Prometheus metrics on this address"`
}

func main() {
	var parser = flags.NewParser(&globalOpts, flags.HelpFlag|flags.PassDoubleDash)
	parser.AddCommand("validate", "Validate a manifest", "Checks units, dependencies, networks, volumes and inter-unit links.", &validateCommand{})
	parser.AddCommand("plan", "Print the start order", "Prints the units in dependency waves.", &planCommand{})
	parser.AddCommand("render", "Render a compose file", "Emits a docker compose file for the manifest.", &renderCommand{})
	parser.AddCommand("up", "Run the units locally", "Starts every unit in dependency order and stops them on SIGINT or SIGTERM.", &upCommand{})

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

// loadRaw returns the manifest with ${VAR} references left in place
func loadRaw() (*topology.Manifest, error) {
	if globalOpts.Manifest == "" {
		return topology.DefaultManifest(), nil
	}
	return topology.LoadManifest(globalOpts.Manifest, nil)
}

func lookup() (topology.LookupFunc, error) {
	values := map[string]string{}
	if globalOpts.EnvFile != "" {
		if _, err := os.Stat(globalOpts.EnvFile); err == nil {
			read, err := config.ReadEnvFile(globalOpts.EnvFile)
			if err != nil {
				return nil, err
			}
			values = read
		}
	}
	// the process environment wins over the env file
	return func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		v, ok := values[name]
		return v, ok
	}, nil
}

func loadResolved() (*topology.Manifest, error) {
	raw, err := loadRaw()
	if err != nil {
		return nil, err
	}
	resolve, err := lookup()
	if err != nil {
		return nil, err
	}
	return raw.Interpolate(resolve)
}

func newLogger() (logging.Logger, func() error, error) {
	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = globalOpts.LogLevel
	zapConfig.Output = "stderr"
	return logging.NewZapLogger(zapConfig)
}

func (c *validateCommand) Execute(args []string) error {
	raw, err := loadRaw()
	if err != nil {
		return err
	}
	if err := topology.ValidateManifest(raw); err != nil {
		return err
	}
	resolved, err := loadResolved()
	if err != nil {
		return err
	}
	if err := topology.ValidateLinks(resolved); err != nil {
		return err
	}
	fmt.Printf("Manifest is valid, units: %d, links: %d\n", len(resolved.Units), len(resolved.Links()))
	return nil
}

func (c *planCommand) Execute(args []string) error {
	raw, err := loadRaw()
	if err != nil {
		return err
	}
	waves, err := topology.Plan(raw)
	if err != nil {
		return err
	}
	for i, wave := range waves {
		fmt.Printf("%d: %s\n", i+1, strings.Join(wave, ", "))
	}
	return nil
}

func (c *renderCommand) Execute(args []string) error {
	raw, err := loadRaw()
	if err != nil {
		return err
	}
	data, err := topology.RenderCompose(raw)
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0644)
}

func (c *upCommand) Execute(args []string) error {
	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()

	manifest, err := loadResolved()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := topology.Options{RequireHealthyDependencies: c.RequireHealthyDependencies}
	if c.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if options.Metrics, err = metrics.New(registry); err != nil {
			return err
		}
		go func() {
			if err := metrics.Serve(ctx, c.MetricsAddr, registry); err != nil {
				logger.Warnf("Metrics server stopped, error: %v", err)
			}
		}()
	}

	baseDir := "."
	if globalOpts.Manifest != "" {
		baseDir = filepath.Dir(globalOpts.Manifest)
	}
	if c.LogDir != "" {
		if err := os.MkdirAll(c.LogDir, 0755); err != nil {
			return err
		}
	}
	driver := topology.NewProcessDriver(baseDir, c.LogDir, logging.NewComponentLogger("driver", logger))
	driver.GracefulTimeout = c.GracefulTimeout

	orchestrator, err := topology.NewOrchestrator(manifest, driver, options, logger)
	if err != nil {
		return err
	}

	upErr := orchestrator.Up(ctx)
	for _, name := range manifest.UnitNames() {
		fmt.Printf("%s: %s\n", name, orchestrator.State(name))
	}
	if upErr != nil {
		logger.Warnf("Not every unit came up: %v", upErr)
	} else {
		logger.Infof("All units are up, waiting for a signal")
		<-ctx.Done()
	}

	downCtx, cancel := context.WithTimeout(context.Background(), c.GracefulTimeout*time.Duration(len(manifest.Units)+1))
	defer cancel()
	if err := orchestrator.Down(downCtx); err != nil {
		return err
	}
	return upErr
}
