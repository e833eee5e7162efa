package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultRetries  = 5
)

type HealthCheckType string

const (
	HealthCheckTypeExec     HealthCheckType = "exec"
	HealthCheckTypeTCP      HealthCheckType = "tcp"
	HealthCheckTypeHTTP     HealthCheckType = "http"
	HealthCheckTypePostgres HealthCheckType = "postgres"
	HealthCheckTypeRedis    HealthCheckType = "redis"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// Environment is KEY=value pairs appended to the monitor's own environment
	Environment []string `yaml:"environment,omitempty"`
}

type PostgresHealthCheckConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisHealthCheckConfig struct {
	URL string `yaml:"url"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	HTTP     HTTPHealthCheckConfig     `yaml:"http,omitempty"`
	TCP      TCPHealthCheckConfig      `yaml:"tcp,omitempty"`
	Exec     ExecHealthCheckConfig     `yaml:"exec,omitempty"`
	Postgres PostgresHealthCheckConfig `yaml:"postgres,omitempty"`
	Redis    RedisHealthCheckConfig    `yaml:"redis,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	// Failures during the initial delay do not count towards Retries
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	Retries      int           `yaml:"retries,omitempty"`
}

// ApplyHealthCheckDefaults fills zero run options with 5s interval, 5s timeout and 5 retries
func ApplyHealthCheckDefaults(config *HealthCheckConfig) {
	if config.RunOptions.Interval == 0 {
		config.RunOptions.Interval = DefaultInterval
	}
	if config.RunOptions.Timeout == 0 {
		config.RunOptions.Timeout = DefaultTimeout
	}
	if config.RunOptions.Retries == 0 {
		config.RunOptions.Retries = DefaultRetries
	}
}

type HealthCheckStatus string

const (
	HealthCheckStatusStarting  HealthCheckStatus = "starting"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	Checks               int
}

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() HealthCheckState
	// WaitForStatus blocks until the monitor leaves the starting status
	WaitForStatus(ctx context.Context) (HealthCheckStatus, error)
}

type healthMonitor struct {
	config    HealthCheckConfig
	probe     Probe
	state     HealthCheckState
	startedAt time.Time
	settled   chan struct{}
	settle    sync.Once
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mutex     sync.Mutex
	logger    logging.Logger
	id        string
}

func NewHealthMonitor(config HealthCheckConfig, id string, logger logging.Logger) (HealthMonitor, error) {
	ApplyHealthCheckDefaults(&config)
	if err := ValidateHealthCheckConfig(config); err != nil {
		return nil, errors.NewValidationError("invalid health check configuration", err).WithContext("id", id)
	}

	probe, err := NewProbe(config)
	if err != nil {
		return nil, err
	}

	return &healthMonitor{
		config:   config,
		probe:    probe,
		state:    HealthCheckState{Status: HealthCheckStatusStarting},
		settled:  make(chan struct{}),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
		id:       id,
	}, nil
}

func (h *healthMonitor) Start(ctx context.Context) error {
	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v, retries: %d",
		h.id, h.config.Type, h.config.RunOptions.Interval, h.config.RunOptions.Retries)

	h.startedAt = time.Now()
	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *healthMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Debugf("Stopping health monitor, id: %s", h.id)
		close(h.stopChan)
	})
	h.wg.Wait()
}

func (h *healthMonitor) State() HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

func (h *healthMonitor) WaitForStatus(ctx context.Context) (HealthCheckStatus, error) {
	select {
	case <-h.settled:
		return h.State().Status, nil
	case <-ctx.Done():
		return h.State().Status, errors.NewCancelledError("wait for health status cancelled", ctx.Err()).WithContext("id", h.id)
	case <-h.done:
		select {
		case <-h.settled:
			return h.State().Status, nil
		default:
		}
		return h.State().Status, errors.NewCancelledError("health monitor stopped before settling", nil).WithContext("id", h.id)
	}
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.done)

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.performCheck(ctx)

	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-ctx.Done():
			h.logger.Debugf("Health monitor context done, id: %s", h.id)
			return
		case <-h.stopChan:
			h.logger.Debugf("Health monitor loop stopping, id: %s", h.id)
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, h.config.RunOptions.Timeout)
	defer cancel()

	err := h.probe.Check(checkCtx)
	if ctx.Err() != nil {
		return
	}
	h.updateState(err)
}

func (h *healthMonitor) updateState(checkErr error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.state.Checks++
	h.state.LastCheck = time.Now()
	previous := h.state.Status

	if checkErr == nil {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Message = "ok"
		h.state.Status = HealthCheckStatusHealthy
		if previous != HealthCheckStatusHealthy {
			h.logger.Infof("Health check passed, id: %s, status: %s->%s", h.id, previous, h.state.Status)
		}
		h.markSettled()
		return
	}

	h.state.ConsecutiveSuccesses = 0
	h.state.Message = checkErr.Error()

	if previous == HealthCheckStatusStarting && time.Since(h.startedAt) < h.config.RunOptions.InitialDelay {
		h.logger.Debugf("Health check failed during initial delay, id: %s, message: %s", h.id, h.state.Message)
		return
	}

	h.state.ConsecutiveFailures++
	if h.state.ConsecutiveFailures >= h.config.RunOptions.Retries && previous != HealthCheckStatusUnhealthy {
		h.state.Status = HealthCheckStatusUnhealthy
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
			h.id, previous, h.state.Status, h.state.ConsecutiveFailures, h.state.Message)
		h.markSettled()
		return
	}

	h.logger.Debugf("Health check failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
		h.id, h.state.Status, h.state.ConsecutiveFailures, h.state.Message)
}

func (h *healthMonitor) markSettled() {
	h.settle.Do(func() { close(h.settled) })
}
