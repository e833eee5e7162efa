package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harness"

// Metrics holds the harness collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	taskExits       *prometheus.CounterVec
	taskRuntime     *prometheus.HistogramVec
	preflightSteps  *prometheus.CounterVec
	unitTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		taskExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "task_exits_total",
				Help:      "Supervised task exits by outcome.",
			},
			[]string{"task", "outcome"},
		),
		taskRuntime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "task_runtime_seconds",
				Help:      "How long supervised tasks ran before exiting.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"task"},
		),
		preflightSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "preflight",
				Name:      "steps_total",
				Help:      "Preflight step results by outcome.",
			},
			[]string{"step", "outcome"},
		),
		unitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topology",
				Name:      "unit_transitions_total",
				Help:      "Unit state transitions observed by the orchestrator.",
			},
			[]string{"unit", "state"},
		),
	}

	for _, c := range []prometheus.Collector{m.taskExits, m.taskRuntime, m.preflightSteps, m.unitTransitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) TaskExited(task string, success bool, runtime time.Duration) {
	if m == nil {
		return
	}
	m.taskExits.WithLabelValues(task, outcome(success)).Inc()
	m.taskRuntime.WithLabelValues(task).Observe(runtime.Seconds())
}

func (m *Metrics) PreflightStep(step string, success bool) {
	if m == nil {
		return
	}
	m.preflightSteps.WithLabelValues(step, outcome(success)).Inc()
}

func (m *Metrics) UnitTransition(unit string, state string) {
	if m == nil {
		return
	}
	m.unitTransitions.WithLabelValues(unit, state).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
