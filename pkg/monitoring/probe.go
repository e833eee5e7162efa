package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"

	"github.com/core-tools/hsu-harness/pkg/errors"
)

// Probe performs one health check. A nil error means healthy.
type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

func NewProbe(config HealthCheckConfig) (Probe, error) {
	switch config.Type {
	case HealthCheckTypeExec:
		return &execProbe{config: config.Exec}, nil
	case HealthCheckTypeTCP:
		return &tcpProbe{address: net.JoinHostPort(config.TCP.Address, strconv.Itoa(config.TCP.Port))}, nil
	case HealthCheckTypeHTTP:
		return &httpProbe{config: config.HTTP, client: &http.Client{}}, nil
	case HealthCheckTypePostgres:
		connector, err := pq.NewConnector(config.Postgres.DSN)
		if err != nil {
			return nil, errors.NewValidationError("invalid postgres DSN", err)
		}
		return &postgresProbe{connector: connector}, nil
	case HealthCheckTypeRedis:
		options, err := redis.ParseURL(config.Redis.URL)
		if err != nil {
			return nil, errors.NewValidationError("invalid redis URL", err)
		}
		return &redisProbe{options: options}, nil
	default:
		return nil, errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
}

type execProbe struct {
	config ExecHealthCheckConfig
}

func (p *execProbe) Check(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.config.Command, p.config.Args...)
	if len(p.config.Environment) > 0 {
		cmd.Env = append(os.Environ(), p.config.Environment...)
	}
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError("exec health check timed out", ctx.Err()).WithContext("command", p.config.Command)
	}
	if err != nil {
		return errors.NewHealthCheckError(fmt.Sprintf("exec health check failed, output: %s", string(output)), err).
			WithContext("command", p.config.Command)
	}
	return nil
}

type tcpProbe struct {
	address string
}

func (p *tcpProbe) Check(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return errors.NewNetworkError("TCP connection failed", err).WithContext("address", p.address)
	}
	return conn.Close()
}

type httpProbe struct {
	config HTTPHealthCheckConfig
	client *http.Client
}

func (p *httpProbe) Check(ctx context.Context) error {
	method := p.config.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.URL, nil)
	if err != nil {
		return errors.NewValidationError("failed to create HTTP request", err)
	}
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("HTTP request failed", err).WithContext("url", p.config.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return errors.NewHealthCheckError(fmt.Sprintf("HTTP health check failed: %s", resp.Status), nil).
		WithContext("url", p.config.URL)
}

// postgresProbe is the pg_isready equivalent: connect and ping
type postgresProbe struct {
	connector *pq.Connector
}

func (p *postgresProbe) Check(ctx context.Context) error {
	db := sql.OpenDB(p.connector)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return errors.NewHealthCheckError("postgres is not accepting connections", err)
	}
	return nil
}

type redisProbe struct {
	options *redis.Options
}

func (p *redisProbe) Check(ctx context.Context) error {
	client := redis.NewClient(p.options)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return errors.NewHealthCheckError("redis did not answer PING", err).WithContext("addr", p.options.Addr)
	}
	return nil
}
