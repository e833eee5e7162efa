// Package topology declares the deployable units of the system, their
// dependencies and health checks, and drives them up and down in order.
package topology

import (
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-harness/pkg/monitoring"
)

type Condition string

const (
	ConditionServiceStarted Condition = "service_started"
	ConditionServiceHealthy Condition = "service_healthy"
)

type Manifest struct {
	Name     string             `yaml:"name,omitempty"`
	Units    map[string]Unit    `yaml:"services"`
	Networks map[string]Network `yaml:"networks,omitempty"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`
}

type Unit struct {
	Image       string       `yaml:"image,omitempty"`
	Build       *Build       `yaml:"build,omitempty"`
	Command     Command      `yaml:"command,omitempty"`
	Ports       []string     `yaml:"ports,omitempty"`
	Environment Environment  `yaml:"environment,omitempty"`
	EnvFiles    []string     `yaml:"env_file,omitempty"`
	DependsOn   Dependencies `yaml:"depends_on,omitempty"`
	HealthCheck *HealthCheck `yaml:"healthcheck,omitempty"`
	Volumes     []string     `yaml:"volumes,omitempty"`
	Networks    []string     `yaml:"networks,omitempty"`

	// Probe overrides HealthCheck for the local process driver
	Probe *monitoring.HealthCheckConfig `yaml:"x-probe,omitempty"`
}

type Build struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

// UnmarshalYAML accepts the short form "build: ./dir"
func (b *Build) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		b.Context = value.Value
		return nil
	}
	type plain Build
	return value.Decode((*plain)(b))
}

type Command []string

// UnmarshalYAML accepts both "command: a b" and "command: [a, b]"
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*c = strings.Fields(value.Value)
		return nil
	}
	var args []string
	if err := value.Decode(&args); err != nil {
		return err
	}
	*c = args
	return nil
}

type Environment map[string]string

// UnmarshalYAML accepts both a mapping and a "KEY=value" list
func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var entries []string
		if err := value.Decode(&entries); err != nil {
			return err
		}
		env := make(Environment, len(entries))
		for _, entry := range entries {
			key, val, _ := strings.Cut(entry, "=")
			env[key] = val
		}
		*e = env
		return nil
	}
	var env map[string]string
	if err := value.Decode(&env); err != nil {
		return err
	}
	*e = env
	return nil
}

type Dependency struct {
	Condition Condition `yaml:"condition"`
}

type Dependencies map[string]Dependency

// UnmarshalYAML accepts a plain list of unit names, meaning service_started
func (d *Dependencies) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		deps := make(Dependencies, len(names))
		for _, name := range names {
			deps[name] = Dependency{Condition: ConditionServiceStarted}
		}
		*d = deps
		return nil
	}
	var deps map[string]Dependency
	if err := value.Decode(&deps); err != nil {
		return err
	}
	for name, dep := range deps {
		if dep.Condition == "" {
			dep.Condition = ConditionServiceStarted
			deps[name] = dep
		}
	}
	*d = deps
	return nil
}

// Names returns the dependency names sorted
func (d Dependencies) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type HealthCheck struct {
	Test        []string      `yaml:"test,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Retries     int           `yaml:"retries,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty"`
}

type Network struct {
	Driver   string `yaml:"driver,omitempty"`
	External bool   `yaml:"external,omitempty"`
}

type Volume struct {
	Driver   string `yaml:"driver,omitempty"`
	External bool   `yaml:"external,omitempty"`
}

// UnitNames returns every unit name sorted
func (m *Manifest) UnitNames() []string {
	names := make([]string, 0, len(m.Units))
	for name := range m.Units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasHealthCheck reports whether the unit declares a probe or an enabled healthcheck
func (u Unit) HasHealthCheck() bool {
	_, ok := u.HealthCheckConfig()
	return ok
}

// HealthCheckConfig maps the unit's probe or compose-style healthcheck onto a
// monitoring config. CMD-SHELL runs through /bin/sh, CMD runs directly, NONE disables.
func (u Unit) HealthCheckConfig() (monitoring.HealthCheckConfig, bool) {
	if u.Probe != nil {
		config := *u.Probe
		if u.HealthCheck != nil {
			applyHealthCheckTiming(&config, u.HealthCheck)
		}
		monitoring.ApplyHealthCheckDefaults(&config)
		return config, true
	}
	if u.HealthCheck == nil || len(u.HealthCheck.Test) == 0 {
		return monitoring.HealthCheckConfig{}, false
	}

	var exec monitoring.ExecHealthCheckConfig
	test := u.HealthCheck.Test
	switch test[0] {
	case "NONE":
		return monitoring.HealthCheckConfig{}, false
	case "CMD-SHELL":
		exec = monitoring.ExecHealthCheckConfig{Command: "/bin/sh", Args: []string{"-c", strings.Join(test[1:], " ")}}
	case "CMD":
		if len(test) < 2 {
			return monitoring.HealthCheckConfig{}, false
		}
		exec = monitoring.ExecHealthCheckConfig{Command: test[1], Args: test[2:]}
	default:
		exec = monitoring.ExecHealthCheckConfig{Command: "/bin/sh", Args: []string{"-c", strings.Join(test, " ")}}
	}

	config := monitoring.HealthCheckConfig{Type: monitoring.HealthCheckTypeExec, Exec: exec}
	applyHealthCheckTiming(&config, u.HealthCheck)
	monitoring.ApplyHealthCheckDefaults(&config)
	return config, true
}

func applyHealthCheckTiming(config *monitoring.HealthCheckConfig, hc *HealthCheck) {
	if hc.Interval > 0 {
		config.RunOptions.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		config.RunOptions.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		config.RunOptions.Retries = hc.Retries
	}
	if hc.StartPeriod > 0 {
		config.RunOptions.InitialDelay = hc.StartPeriod
	}
}
