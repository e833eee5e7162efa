package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
	"github.com/core-tools/hsu-harness/pkg/metrics"
	"github.com/core-tools/hsu-harness/pkg/monitoring"
)

type UnitState string

const (
	UnitStateDeclared      UnitState = "declared"
	UnitStateBuilding      UnitState = "building"
	UnitStateStarting      UnitState = "starting"
	UnitStateStarted       UnitState = "started"
	UnitStateHealthPending UnitState = "health_pending"
	UnitStateHealthy       UnitState = "healthy"
	UnitStateUnhealthy     UnitState = "unhealthy"
	UnitStateRunning       UnitState = "running"
	UnitStateStopping      UnitState = "stopping"
	UnitStateStopped       UnitState = "stopped"
	UnitStateFailed        UnitState = "failed"
)

// Driver performs the per-unit side effects the orchestrator sequences
type Driver interface {
	Build(ctx context.Context, name string, unit Unit) error
	Start(ctx context.Context, name string, unit Unit) error
	// Health blocks until the unit's health check settles
	Health(ctx context.Context, name string, unit Unit) (monitoring.HealthCheckStatus, error)
	Stop(ctx context.Context, name string, unit Unit) error
}

type Options struct {
	// RequireHealthyDependencies gates service_started edges on health when
	// the dependency declares a health check
	RequireHealthyDependencies bool
	Metrics                    *metrics.Metrics
}

type unitGate struct {
	started chan struct{}
	healthy chan struct{}
	// failed is closed when the unit can no longer become healthy or start
	failed chan struct{}
}

type Orchestrator struct {
	manifest *Manifest
	driver   Driver
	options  Options
	logger   logging.Logger

	mutex   sync.Mutex
	states  map[string]UnitState
	history map[string][]UnitState
	errs    map[string]error
	gates   map[string]*unitGate
	up      bool
}

func NewOrchestrator(manifest *Manifest, driver Driver, options Options, logger logging.Logger) (*Orchestrator, error) {
	if err := ValidateManifest(manifest); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, errors.NewValidationError("driver is required", nil)
	}

	o := &Orchestrator{
		manifest: manifest,
		driver:   driver,
		options:  options,
		logger:   logger,
		states:   make(map[string]UnitState),
		history:  make(map[string][]UnitState),
		errs:     make(map[string]error),
		gates:    make(map[string]*unitGate),
	}
	for name := range manifest.Units {
		o.states[name] = UnitStateDeclared
		o.history[name] = []UnitState{UnitStateDeclared}
		o.gates[name] = &unitGate{
			started: make(chan struct{}),
			healthy: make(chan struct{}),
			failed:  make(chan struct{}),
		}
	}
	return o, nil
}

// Up brings every unit up as soon as its dependency gates open and returns
// once each unit is running, unhealthy or failed.
func (o *Orchestrator) Up(ctx context.Context) error {
	o.mutex.Lock()
	if o.up {
		o.mutex.Unlock()
		return errors.NewConflictError("orchestrator has already been brought up", nil)
	}
	o.up = true
	o.mutex.Unlock()

	var wg sync.WaitGroup
	for _, name := range o.manifest.UnitNames() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			o.bringUp(ctx, name)
		}(name)
	}
	wg.Wait()

	collection := errors.NewErrorCollection()
	for _, name := range o.manifest.UnitNames() {
		if err := o.Err(name); err != nil {
			collection.Add(err)
		}
	}
	return collection.ToError()
}

func (o *Orchestrator) bringUp(ctx context.Context, name string) {
	unit := o.manifest.Units[name]
	gate := o.gates[name]
	unitLogger := logging.NewComponentLogger("unit: "+name, o.logger)

	if err := o.waitForDependencies(ctx, name, unit); err != nil {
		unitLogger.Warnf("Not starting, error: %v", err)
		o.fail(name, err)
		return
	}

	if unit.Build != nil {
		o.transition(name, UnitStateBuilding)
		if err := o.driver.Build(ctx, name, unit); err != nil {
			o.fail(name, errors.NewProcessError("build failed", err).WithContext("unit", name))
			return
		}
	}

	o.transition(name, UnitStateStarting)
	if err := o.driver.Start(ctx, name, unit); err != nil {
		o.fail(name, errors.NewProcessError("start failed", err).WithContext("unit", name))
		return
	}
	o.transition(name, UnitStateStarted)
	close(gate.started)

	if !unit.HasHealthCheck() {
		o.transition(name, UnitStateRunning)
		return
	}

	o.transition(name, UnitStateHealthPending)
	status, err := o.driver.Health(ctx, name, unit)
	if err != nil || status != monitoring.HealthCheckStatusHealthy {
		if err == nil {
			err = errors.NewHealthCheckError(fmt.Sprintf("health check settled as %s", status), nil)
		}
		o.setErr(name, errors.NewHealthCheckError("unit did not become healthy", err).WithContext("unit", name))
		o.transition(name, UnitStateUnhealthy)
		close(gate.failed)
		return
	}

	o.transition(name, UnitStateHealthy)
	close(gate.healthy)
	o.transition(name, UnitStateRunning)
}

// waitForDependencies blocks until every dependency gate of name opens
func (o *Orchestrator) waitForDependencies(ctx context.Context, name string, unit Unit) error {
	for _, dep := range unit.DependsOn.Names() {
		condition := o.effectiveCondition(unit.DependsOn[dep].Condition, dep)
		gate := o.gates[dep]

		ready := gate.started
		if condition == ConditionServiceHealthy {
			ready = gate.healthy
		}

		o.logger.Debugf("Waiting for dependency, unit: %s, dependency: %s, condition: %s", name, dep, condition)
		select {
		case <-ready:
		case <-gate.failed:
			select {
			case <-ready:
				continue
			default:
			}
			return errors.NewDependencyError(fmt.Sprintf("dependency %s did not satisfy %s", dep, condition), o.Err(dep)).
				WithContext("unit", name).WithContext("dependency", dep)
		case <-ctx.Done():
			return errors.NewCancelledError("cancelled while waiting for dependencies", ctx.Err()).
				WithContext("unit", name).WithContext("dependency", dep)
		}
	}
	return nil
}

func (o *Orchestrator) effectiveCondition(condition Condition, dep string) Condition {
	if condition == ConditionServiceStarted && o.options.RequireHealthyDependencies && o.manifest.Units[dep].HasHealthCheck() {
		return ConditionServiceHealthy
	}
	return condition
}

// Down stops every unit that was started, in reverse start order
func (o *Orchestrator) Down(ctx context.Context) error {
	order, err := StartOrder(o.manifest)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		switch o.State(name) {
		case UnitStateStarted, UnitStateHealthPending, UnitStateHealthy, UnitStateUnhealthy, UnitStateRunning:
		default:
			continue
		}

		o.transition(name, UnitStateStopping)
		if err := o.driver.Stop(ctx, name, o.manifest.Units[name]); err != nil {
			collection.Add(errors.NewProcessError("stop failed", err).WithContext("unit", name))
			o.transition(name, UnitStateFailed)
			continue
		}
		o.transition(name, UnitStateStopped)
	}
	return collection.ToError()
}

func (o *Orchestrator) State(name string) UnitState {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.states[name]
}

func (o *Orchestrator) States() map[string]UnitState {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	states := make(map[string]UnitState, len(o.states))
	for name, state := range o.states {
		states[name] = state
	}
	return states
}

// History returns every state the unit passed through, in order
func (o *Orchestrator) History(name string) []UnitState {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]UnitState(nil), o.history[name]...)
}

func (o *Orchestrator) Err(name string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.errs[name]
}

func (o *Orchestrator) transition(name string, state UnitState) {
	o.mutex.Lock()
	previous := o.states[name]
	o.states[name] = state
	o.history[name] = append(o.history[name], state)
	o.mutex.Unlock()

	o.options.Metrics.UnitTransition(name, string(state))
	if state == UnitStateFailed || state == UnitStateUnhealthy {
		o.logger.Warnf("Unit state changed, unit: %s, state: %s->%s", name, previous, state)
	} else {
		o.logger.Infof("Unit state changed, unit: %s, state: %s->%s", name, previous, state)
	}
}

func (o *Orchestrator) setErr(name string, err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.errs[name] = err
}

func (o *Orchestrator) fail(name string, err error) {
	o.setErr(name, err)
	o.transition(name, UnitStateFailed)
	close(o.gates[name].failed)
}
