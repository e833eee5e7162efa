package topology

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const composeYAML = `
name: cmaker
services:
  db:
    image: postgres:15
    environment:
      - POSTGRES_USER=${POSTGRES_USER}
      - POSTGRES_DB=${POSTGRES_DB:-cmaker}
    healthcheck:
      test: ["CMD-SHELL", "pg_isready -U $${POSTGRES_USER}"]
      interval: 5s
      timeout: 5s
      retries: 5
    volumes:
      - postgres_data:/var/lib/postgresql/data
    networks: [app-network]
  webhook:
    build: ./ai_cmaker_webhook
    command: python -m src.main
    ports: ["8000:8000"]
    depends_on:
      db:
        condition: service_healthy
    networks: [app-network]
  bot:
    build:
      context: ./ai_cmaker
      dockerfile: Dockerfile.bot
    depends_on: [webhook]
    networks: [app-network]
networks:
  app-network:
    driver: bridge
volumes:
  postgres_data:
`

func TestParseManifestComposeForms(t *testing.T) {
	m, err := ParseManifest([]byte(composeYAML), nil)
	require.NoError(t, err)
	require.NoError(t, ValidateManifest(m))

	assert.Equal(t, "cmaker", m.Name)
	db := m.Units["db"]
	assert.Equal(t, "${POSTGRES_USER}", db.Environment["POSTGRES_USER"])
	assert.Equal(t, 5*time.Second, db.HealthCheck.Interval)
	assert.Equal(t, 5, db.HealthCheck.Retries)

	webhook := m.Units["webhook"]
	assert.Equal(t, "./ai_cmaker_webhook", webhook.Build.Context)
	assert.Equal(t, Command{"python", "-m", "src.main"}, webhook.Command)
	assert.Equal(t, ConditionServiceHealthy, webhook.DependsOn["db"].Condition)

	bot := m.Units["bot"]
	assert.Equal(t, "Dockerfile.bot", bot.Build.Dockerfile)
	assert.Equal(t, ConditionServiceStarted, bot.DependsOn["webhook"].Condition)
}

func TestLoadManifestInterpolates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(composeYAML), 0644))

	m, err := LoadManifest(path, MapLookup(map[string]string{"POSTGRES_USER": "app"}, nil))
	require.NoError(t, err)

	db := m.Units["db"]
	assert.Equal(t, "app", db.Environment["POSTGRES_USER"])
	assert.Equal(t, "cmaker", db.Environment["POSTGRES_DB"])
	assert.Equal(t, []string{"CMD-SHELL", "pg_isready -U ${POSTGRES_USER}"}, db.HealthCheck.Test)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.True(t, errors.IsIOError(err))

	_, err = ParseManifest([]byte("services: [oops"), nil)
	assert.True(t, errors.IsManifestError(err))

	_, err = ParseManifest([]byte("name: empty\n"), nil)
	assert.True(t, errors.IsManifestError(err))
}

func TestInterpolate(t *testing.T) {
	lookup := MapLookup(map[string]string{"SET": "value", "EMPTY": ""}, nil)

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "plain", want: "plain"},
		{in: "${SET}", want: "value"},
		{in: "$SET/suffix", want: "value/suffix"},
		{in: "${MISSING}", want: ""},
		{in: "${MISSING:-fallback}", want: "fallback"},
		{in: "${EMPTY:-fallback}", want: "fallback"},
		{in: "${EMPTY-fallback}", want: ""},
		{in: "${MISSING-fallback}", want: "fallback"},
		{in: "$${SET}", want: "${SET}"},
		{in: "cost $5", want: "cost $5"},
		{in: "${MISSING:?must be set}", wantErr: true},
		{in: "${EMPTY?must be set}", want: ""},
		{in: "${SET:+alternate}", want: "alternate"},
		{in: "${MISSING:+alternate}", want: ""},
		{in: "${unterminated", wantErr: true},
		{in: "${1BAD}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := interpolate(tt.in, lookup)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolateExpandsNetworks(t *testing.T) {
	m := DefaultManifest()
	bot := m.Units[UnitBot]
	bot.Networks = []string{"${BOT_NETWORK:-app-network}", "$EXTRA_NETWORK"}
	m.Units[UnitBot] = bot

	out, err := m.Interpolate(MapLookup(map[string]string{"EXTRA_NETWORK": "edge"}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultNetwork, "edge"}, out.Units[UnitBot].Networks)
	assert.Equal(t, []string{"${BOT_NETWORK:-app-network}", "$EXTRA_NETWORK"}, m.Units[UnitBot].Networks)
}

func TestInterpolateReportsUnit(t *testing.T) {
	m := &Manifest{Units: map[string]Unit{"db": {Image: "postgres:${PG_VERSION:?pin a version}"}}}
	_, err := m.Interpolate(MapLookup(nil, nil))
	assert.True(t, errors.IsManifestError(err))
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest()
	require.NoError(t, ValidateManifest(m))

	db := m.Units[UnitDatabase]
	assert.Equal(t, "postgres:15", db.Image)
	assert.Equal(t, []string{"5432:5432"}, db.Ports)
	healthConfig, ok := db.HealthCheckConfig()
	require.True(t, ok)
	assert.Equal(t, monitoring.HealthCheckTypeExec, healthConfig.Type)
	assert.Equal(t, 5*time.Second, healthConfig.RunOptions.Interval)
	assert.Equal(t, 5*time.Second, healthConfig.RunOptions.Timeout)
	assert.Equal(t, 5, healthConfig.RunOptions.Retries)

	assert.Equal(t, "redis:latest", m.Units[UnitCache].Image)
	assert.False(t, m.Units[UnitCache].HasHealthCheck())

	webhook := m.Units[UnitWebhook]
	assert.Equal(t, "./ai_cmaker_webhook", webhook.Build.Context)
	assert.Equal(t, ConditionServiceHealthy, webhook.DependsOn[UnitDatabase].Condition)
	assert.Equal(t, []string{".env"}, webhook.EnvFiles)

	bot := m.Units[UnitBot]
	assert.Equal(t, ConditionServiceStarted, bot.DependsOn[UnitWebhook].Condition)
	assert.Equal(t, ConditionServiceStarted, bot.DependsOn[UnitCache].Condition)
	assert.Empty(t, bot.Ports)

	for name, unit := range m.Units {
		assert.Equal(t, []string{DefaultNetwork}, unit.Networks, name)
	}
	assert.Equal(t, "bridge", m.Networks[DefaultNetwork].Driver)
	assert.Contains(t, m.Volumes, "postgres_data")
	assert.Contains(t, m.Volumes, "redis_data")
}

func TestPlan(t *testing.T) {
	waves, err := Plan(DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{UnitDatabase, UnitCache}, {UnitWebhook}, {UnitBot}}, waves)
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{name: "cycle", mutate: func(m *Manifest) {
			db := m.Units[UnitDatabase]
			db.DependsOn = Dependencies{UnitBot: {Condition: ConditionServiceStarted}}
			m.Units[UnitDatabase] = db
		}},
		{name: "unknown_dependency", mutate: func(m *Manifest) {
			bot := m.Units[UnitBot]
			bot.DependsOn["queue"] = Dependency{Condition: ConditionServiceStarted}
			m.Units[UnitBot] = bot
		}},
		{name: "healthy_without_healthcheck", mutate: func(m *Manifest) {
			bot := m.Units[UnitBot]
			bot.DependsOn[UnitCache] = Dependency{Condition: ConditionServiceHealthy}
			m.Units[UnitBot] = bot
		}},
		{name: "unknown_condition", mutate: func(m *Manifest) {
			bot := m.Units[UnitBot]
			bot.DependsOn[UnitCache] = Dependency{Condition: "service_completed"}
			m.Units[UnitBot] = bot
		}},
		{name: "undeclared_network", mutate: func(m *Manifest) { delete(m.Networks, DefaultNetwork) }},
		{name: "undeclared_volume", mutate: func(m *Manifest) { delete(m.Volumes, "redis_data") }},
		{name: "image_and_build", mutate: func(m *Manifest) {
			bot := m.Units[UnitBot]
			bot.Image = "bot:latest"
			m.Units[UnitBot] = bot
		}},
		{name: "neither_image_nor_build", mutate: func(m *Manifest) {
			bot := m.Units[UnitBot]
			bot.Build = nil
			m.Units[UnitBot] = bot
		}},
		{name: "bad_port", mutate: func(m *Manifest) {
			webhook := m.Units[UnitWebhook]
			webhook.Ports = []string{"8000:http"}
			m.Units[UnitWebhook] = webhook
		}},
		{name: "bad_unit_name", mutate: func(m *Manifest) { m.Units["Bad Name"] = Unit{Image: "x"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultManifest()
			tt.mutate(m)
			err := ValidateManifest(m)
			assert.Error(t, err)
			assert.True(t, errors.IsManifestError(err), "%v", err)
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		mapping string
		want    Port
		wantErr bool
	}{
		{mapping: "8000", want: Port{Container: 8000}},
		{mapping: "5432:5432", want: Port{Host: 5432, Container: 5432}},
		{mapping: "127.0.0.1:6380:6379", want: Port{Host: 6380, Container: 6379}},
		{mapping: "8000/tcp", want: Port{Container: 8000}},
		{mapping: "0", wantErr: true},
		{mapping: "a:b:c:d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mapping, func(t *testing.T) {
			got, err := ParsePort(tt.mapping)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateLinksCatchesUnexposedPort(t *testing.T) {
	m := DefaultManifest()
	bot := m.Units[UnitBot]
	bot.Environment["WEBHOOK_BASE_URL"] = "http://webhook:9000"
	m.Units[UnitBot] = bot

	assert.True(t, errors.IsManifestError(ValidateLinks(m)))
}

func TestValidateLinksCatchesSeparateNetworks(t *testing.T) {
	m := DefaultManifest()
	m.Networks["isolated"] = Network{Driver: "bridge"}
	redis := m.Units[UnitCache]
	redis.Networks = []string{"isolated"}
	m.Units[UnitCache] = redis

	assert.True(t, errors.IsManifestError(ValidateLinks(m)))
}

func TestRenderComposeRoundTrip(t *testing.T) {
	data, err := RenderCompose(DefaultManifest())
	require.NoError(t, err)

	rendered := string(data)
	assert.Contains(t, rendered, "condition: service_healthy")
	assert.Contains(t, rendered, "pg_isready -U $${POSTGRES_USER}")
	assert.Contains(t, rendered, "interval: 5s")
	assert.NotContains(t, rendered, "x-probe")

	again, err := RenderCompose(DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, data, again)

	parsed, err := ParseManifest(data, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultManifest().Units, parsed.Units)
}

func TestRenderComposeRejectsInvalid(t *testing.T) {
	m := DefaultManifest()
	delete(m.Units, UnitCache)
	_, err := RenderCompose(m)
	assert.True(t, errors.IsManifestError(err))
}
