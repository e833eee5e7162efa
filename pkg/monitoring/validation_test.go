package monitoring

import (
	"testing"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateHealthCheckConfig(t *testing.T) {
	runOptions := HealthCheckRunOptions{Interval: 5 * time.Second, Timeout: 5 * time.Second, Retries: 5}

	tests := []struct {
		name      string
		config    HealthCheckConfig
		shouldErr bool
	}{
		{
			name:   "valid_exec",
			config: HealthCheckConfig{Type: HealthCheckTypeExec, Exec: ExecHealthCheckConfig{Command: "pg_isready"}, RunOptions: runOptions},
		},
		{
			name:   "valid_tcp",
			config: HealthCheckConfig{Type: HealthCheckTypeTCP, TCP: TCPHealthCheckConfig{Address: "db", Port: 5432}, RunOptions: runOptions},
		},
		{
			name:   "valid_postgres",
			config: HealthCheckConfig{Type: HealthCheckTypePostgres, Postgres: PostgresHealthCheckConfig{DSN: "postgres://u:p@db:5432/app"}, RunOptions: runOptions},
		},
		{
			name:   "valid_redis",
			config: HealthCheckConfig{Type: HealthCheckTypeRedis, Redis: RedisHealthCheckConfig{URL: "redis://redis:6379"}, RunOptions: runOptions},
		},
		{
			name:      "missing_http_url",
			config:    HealthCheckConfig{Type: HealthCheckTypeHTTP, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "bad_tcp_port",
			config:    HealthCheckConfig{Type: HealthCheckTypeTCP, TCP: TCPHealthCheckConfig{Address: "db", Port: 70000}, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "missing_exec_command",
			config:    HealthCheckConfig{Type: HealthCheckTypeExec, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "missing_dsn",
			config:    HealthCheckConfig{Type: HealthCheckTypePostgres, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:   "valid_postgres_keyword_dsn",
			config: HealthCheckConfig{Type: HealthCheckTypePostgres, Postgres: PostgresHealthCheckConfig{DSN: "host=db user=app dbname=app"}, RunOptions: runOptions},
		},
		{
			name:      "http_wrong_scheme",
			config:    HealthCheckConfig{Type: HealthCheckTypeHTTP, HTTP: HTTPHealthCheckConfig{URL: "ftp://webhook/health"}, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "redis_without_host",
			config:    HealthCheckConfig{Type: HealthCheckTypeRedis, Redis: RedisHealthCheckConfig{URL: "redis://"}, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "postgres_wrong_scheme",
			config:    HealthCheckConfig{Type: HealthCheckTypePostgres, Postgres: PostgresHealthCheckConfig{DSN: "mysql://db/app"}, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "unknown_type",
			config:    HealthCheckConfig{Type: "grpc", RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "zero_retries",
			config:    HealthCheckConfig{Type: HealthCheckTypeExec, Exec: ExecHealthCheckConfig{Command: "true"}, RunOptions: HealthCheckRunOptions{Interval: time.Second, Timeout: time.Second}},
			shouldErr: true,
		},
		{
			name:      "negative_initial_delay",
			config:    HealthCheckConfig{Type: HealthCheckTypeExec, Exec: ExecHealthCheckConfig{Command: "true"}, RunOptions: HealthCheckRunOptions{Interval: time.Second, Timeout: time.Second, Retries: 1, InitialDelay: -time.Second}},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHealthCheckConfig(tt.config)

			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyHealthCheckDefaults(t *testing.T) {
	config := HealthCheckConfig{Type: HealthCheckTypeExec}
	ApplyHealthCheckDefaults(&config)

	assert.Equal(t, 5*time.Second, config.RunOptions.Interval)
	assert.Equal(t, 5*time.Second, config.RunOptions.Timeout)
	assert.Equal(t, 5, config.RunOptions.Retries)

	config = HealthCheckConfig{RunOptions: HealthCheckRunOptions{Interval: time.Second, Retries: 2}}
	ApplyHealthCheckDefaults(&config)
	assert.Equal(t, time.Second, config.RunOptions.Interval)
	assert.Equal(t, 2, config.RunOptions.Retries)
}
