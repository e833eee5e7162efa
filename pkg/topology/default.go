package topology

import "time"

const (
	UnitDatabase = "db"
	UnitCache    = "redis"
	UnitWebhook  = "webhook"
	UnitBot      = "bot"

	DefaultNetwork = "app-network"
)

// DefaultManifest is the four-unit deployment: database, cache, webhook and bot.
// Credentials stay as ${VAR} references resolved from the shared env file.
func DefaultManifest() *Manifest {
	return &Manifest{
		Units: map[string]Unit{
			UnitDatabase: {
				Image: "postgres:15",
				Environment: Environment{
					"POSTGRES_USER":     "${POSTGRES_USER}",
					"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD}",
					"POSTGRES_DB":       "${POSTGRES_DB}",
				},
				Ports:   []string{"5432:5432"},
				Volumes: []string{"postgres_data:/var/lib/postgresql/data"},
				HealthCheck: &HealthCheck{
					Test:     []string{"CMD-SHELL", "pg_isready -U $${POSTGRES_USER} -d $${POSTGRES_DB}"},
					Interval: 5 * time.Second,
					Timeout:  5 * time.Second,
					Retries:  5,
				},
				Networks: []string{DefaultNetwork},
			},
			UnitCache: {
				Image:    "redis:latest",
				Ports:    []string{"6379:6379"},
				Volumes:  []string{"redis_data:/data"},
				Networks: []string{DefaultNetwork},
			},
			UnitWebhook: {
				Build: &Build{Context: "./ai_cmaker_webhook"},
				Environment: Environment{
					"DATABASE_URL": "postgresql://${POSTGRES_USER}:${POSTGRES_PASSWORD}@db:5432/${POSTGRES_DB}",
				},
				EnvFiles: []string{".env"},
				Ports:    []string{"8000:8000"},
				DependsOn: Dependencies{
					UnitDatabase: {Condition: ConditionServiceHealthy},
				},
				Networks: []string{DefaultNetwork},
			},
			UnitBot: {
				Build: &Build{Context: "./ai_cmaker"},
				Environment: Environment{
					"WEBHOOK_BASE_URL": "http://webhook:8000",
					"REDIS_URL":        "redis://redis:6379",
				},
				EnvFiles: []string{".env"},
				DependsOn: Dependencies{
					UnitWebhook: {Condition: ConditionServiceStarted},
					UnitCache:   {Condition: ConditionServiceStarted},
				},
				Networks: []string{DefaultNetwork},
			},
		},
		Networks: map[string]Network{
			DefaultNetwork: {Driver: "bridge"},
		},
		Volumes: map[string]Volume{
			"postgres_data": {},
			"redis_data":    {},
		},
	}
}
