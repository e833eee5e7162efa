package topology

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-harness/pkg/config"
	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/monitoring"
	"github.com/core-tools/hsu-harness/pkg/process"
)

// ProcessDriver runs units as local processes. Units without a command are
// treated as external: nothing is started, but their health is still probed.
type ProcessDriver struct {
	// BaseDir resolves relative build contexts and env files
	BaseDir         string
	LogDir          string
	GracefulTimeout time.Duration
	Logger          logging.Logger

	mutex     sync.Mutex
	processes map[string]*process.Process
	monitors  map[string]monitoring.HealthMonitor
	cancels   map[string]context.CancelFunc
}

func NewProcessDriver(baseDir, logDir string, logger logging.Logger) *ProcessDriver {
	return &ProcessDriver{
		BaseDir:         baseDir,
		LogDir:          logDir,
		GracefulTimeout: 10 * time.Second,
		Logger:          logger,
		processes:       make(map[string]*process.Process),
		monitors:        make(map[string]monitoring.HealthMonitor),
		cancels:         make(map[string]context.CancelFunc),
	}
}

func (d *ProcessDriver) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.BaseDir, p)
}

// Build checks the build context exists; images are not built locally
func (d *ProcessDriver) Build(ctx context.Context, name string, unit Unit) error {
	dir := d.path(unit.Build.Context)
	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewNotFoundError("build context not found", err).WithContext("unit", name).WithContext("path", dir)
	}
	if !info.IsDir() {
		return errors.NewValidationError("build context is not a directory", nil).WithContext("unit", name).WithContext("path", dir)
	}
	return nil
}

// UnitEnvironment merges the unit's env files with its environment; the
// environment block wins
func (d *ProcessDriver) UnitEnvironment(unit Unit) ([]string, error) {
	merged := make(map[string]string)
	for _, file := range unit.EnvFiles {
		values, err := config.ReadEnvFile(d.path(file))
		if err != nil {
			return nil, err
		}
		for key, value := range values {
			merged[key] = value
		}
	}
	for key, value := range unit.Environment {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	environ := make([]string, 0, len(keys))
	for _, key := range keys {
		environ = append(environ, key+"="+merged[key])
	}
	return environ, nil
}

func (d *ProcessDriver) Start(ctx context.Context, name string, unit Unit) error {
	if len(unit.Command) == 0 {
		d.Logger.Infof("Unit has no command, treating as external, unit: %s", name)
		return nil
	}

	environ, err := d.UnitEnvironment(unit)
	if err != nil {
		return err
	}

	execution := process.ExecutionConfig{
		ExecutablePath: unit.Command[0],
		Args:           unit.Command[1:],
		Environment:    environ,
	}
	if unit.Build != nil {
		execution.WorkingDirectory = d.path(unit.Build.Context)
	}

	unitLogger := logging.NewComponentLogger("unit: "+name, d.Logger)
	var p *process.Process
	if d.LogDir != "" {
		p, err = process.StartWithLogFile(execution, filepath.Join(d.LogDir, name+".log"), name, unitLogger)
	} else {
		p, err = process.Start(execution, os.Stdout, name, unitLogger)
	}
	if err != nil {
		return err
	}

	d.mutex.Lock()
	d.processes[name] = p
	d.mutex.Unlock()
	return nil
}

func (d *ProcessDriver) Health(ctx context.Context, name string, unit Unit) (monitoring.HealthCheckStatus, error) {
	healthConfig, ok := unit.HealthCheckConfig()
	if !ok {
		return monitoring.HealthCheckStatusHealthy, nil
	}
	if healthConfig.Type == monitoring.HealthCheckTypeExec {
		// checks run with the unit's environment, as they would inside its container
		environ, err := d.UnitEnvironment(unit)
		if err != nil {
			return monitoring.HealthCheckStatusUnhealthy, err
		}
		healthConfig.Exec.Environment = append(environ, healthConfig.Exec.Environment...)
	}

	monitor, err := monitoring.NewHealthMonitor(healthConfig, name, logging.NewComponentLogger("health: "+name, d.Logger))
	if err != nil {
		return monitoring.HealthCheckStatusUnhealthy, err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	d.mutex.Lock()
	d.monitors[name] = monitor
	d.cancels[name] = cancel
	d.mutex.Unlock()

	if err := monitor.Start(monitorCtx); err != nil {
		return monitoring.HealthCheckStatusUnhealthy, err
	}
	return monitor.WaitForStatus(ctx)
}

func (d *ProcessDriver) Stop(ctx context.Context, name string, unit Unit) error {
	d.mutex.Lock()
	p := d.processes[name]
	monitor := d.monitors[name]
	cancel := d.cancels[name]
	delete(d.processes, name)
	delete(d.monitors, name)
	delete(d.cancels, name)
	d.mutex.Unlock()

	if monitor != nil {
		monitor.Stop()
		cancel()
	}
	if p == nil {
		return nil
	}

	status := p.Terminate(d.GracefulTimeout)
	d.Logger.Infof("Unit process stopped, unit: %s, code: %d", name, status.Code)
	return nil
}
