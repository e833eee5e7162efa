package monitoring

import (
	"fmt"
	"net/url"

	"github.com/core-tools/hsu-harness/pkg/errors"
)

var targetSchemes = map[HealthCheckType][]string{
	HealthCheckTypeHTTP:     {"http", "https"},
	HealthCheckTypePostgres: {"postgres", "postgresql"},
	HealthCheckTypeRedis:    {"redis", "rediss"},
}

// ValidateHealthCheckConfig checks the probe target for config.Type and the run options
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if err := ValidateHealthCheckRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err).WithContext("type", string(config.Type))
	}

	var target string
	switch config.Type {
	case HealthCheckTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("exec health check needs a command", nil)
		}
		return nil
	case HealthCheckTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("tcp health check needs an address", nil)
		}
		if config.TCP.Port < 1 || config.TCP.Port > 65535 {
			return errors.NewValidationError(fmt.Sprintf("tcp health check port %d out of range", config.TCP.Port), nil)
		}
		return nil
	case HealthCheckTypeHTTP:
		target = config.HTTP.URL
	case HealthCheckTypePostgres:
		target = config.Postgres.DSN
	case HealthCheckTypeRedis:
		target = config.Redis.URL
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil).
			WithContext("supported_types", "exec, tcp, http, postgres, redis")
	}

	if target == "" {
		return errors.NewValidationError(string(config.Type)+" health check needs a target URL", nil)
	}
	return validateTarget(config.Type, target)
}

// validateTarget accepts only URLs with a scheme the probe can dial.
// Key/value postgres DSNs are left to the driver.
func validateTarget(checkType HealthCheckType, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return errors.NewValidationError("invalid health check target", err).WithContext("type", string(checkType))
	}
	if checkType == HealthCheckTypePostgres && u.Scheme == "" {
		return nil
	}
	for _, scheme := range targetSchemes[checkType] {
		if u.Scheme == scheme {
			if u.Host == "" {
				return errors.NewValidationError("health check target has no host", nil).WithContext("type", string(checkType))
			}
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("health check target scheme %q not supported", u.Scheme), nil).
		WithContext("type", string(checkType))
}

// ValidateHealthCheckRunOptions needs positive timings and at least one retry
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	switch {
	case options.Interval <= 0:
		return errors.NewValidationError("interval must be positive", nil)
	case options.Timeout <= 0:
		return errors.NewValidationError("timeout must be positive", nil)
	case options.InitialDelay < 0:
		return errors.NewValidationError("initial delay cannot be negative", nil)
	case options.Retries < 1:
		return errors.NewValidationError("retries must be at least 1", nil)
	}
	return nil
}
