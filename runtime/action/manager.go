package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/montage/runtime/telemetry"
)

type (
	// Manager drives the propose → execute → completed/errored lifecycle.
	// All collaborators are constructor-injected; mutations are serialized
	// per session, so cross-session operations never contend.
	Manager struct {
		registry *Registry
		store    Store
		executor Executor
		observer func(ctx context.Context, inst *Instance)
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}

	// ManagerOption configures a Manager.
	ManagerOption func(*Manager)
)

// WithObserver registers a callback invoked after every status transition,
// while the session lock is held. The hub uses it to broadcast progress.
func WithObserver(fn func(ctx context.Context, inst *Instance)) ManagerOption {
	return func(m *Manager) { m.observer = fn }
}

// WithManagerLogger sets the diagnostic logger. Defaults to a no-op logger.
func WithManagerLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithManagerMetrics(metrics telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager over the given template registry, instance
// store and executor.
func NewManager(registry *Registry, store Store, executor Executor, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		executor: executor,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Propose validates and registers a new proposed instance for the session.
// Unknown template ids and schema-invalid parameters are rejected. At most
// one proposed or executing instance may exist per session; a concurrent
// proposal fails with ErrActionPending. The data model supports multiple
// live instances per session; only this policy restricts it.
func (m *Manager) Propose(ctx context.Context, sessionID, templateID string, params json.RawMessage) (*Instance, error) {
	if _, ok := m.registry.Get(templateID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}
	if err := m.registry.ValidateParams(templateID, params); err != nil {
		return nil, err
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	live, err := m.store.BySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, inst := range live {
		if inst.Status == StatusProposed || inst.Status == StatusExecuting {
			return nil, fmt.Errorf("%w: instance %s is %s", ErrActionPending, inst.ID, inst.Status)
		}
	}

	now := m.now().UTC()
	inst := &Instance{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		TemplateID:     templateID,
		ProposedParams: params,
		Status:         StatusProposed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Put(ctx, inst); err != nil {
		return nil, err
	}
	m.metrics.IncCounter("action.proposed", 1, "template", templateID)
	m.notify(ctx, inst)
	return inst, nil
}

// Execute runs an approved instance with the approver's final parameters,
// which may differ from the proposed ones. Only proposed instances may be
// executed. A transient failure is retried exactly once; a second failure is
// terminal and flips the instance to errored for manual retry.
func (m *Manager) Execute(ctx context.Context, instanceID string, finalParams json.RawMessage) (*Instance, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := m.registry.ValidateParams(inst.TemplateID, finalParams); err != nil {
		return nil, err
	}

	lock := m.sessionLock(inst.SessionID)
	lock.Lock()
	if inst.Status != StatusProposed {
		lock.Unlock()
		return inst, fmt.Errorf("%w: instance %s is %s", ErrNotProposed, inst.ID, inst.Status)
	}
	inst.FinalParams = finalParams
	m.transition(ctx, inst, StatusExecuting, "")
	lock.Unlock()

	return m.run(ctx, inst)
}

// Retry re-executes an errored instance with its recorded final parameters.
// Only errored instances may be retried.
func (m *Manager) Retry(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	lock := m.sessionLock(inst.SessionID)
	lock.Lock()
	if inst.Status != StatusErrored {
		lock.Unlock()
		return inst, fmt.Errorf("%w: instance %s is %s", ErrNotErrored, inst.ID, inst.Status)
	}
	m.transition(ctx, inst, StatusExecuting, "")
	lock.Unlock()

	return m.run(ctx, inst)
}

// Resolve removes the session's completed instances from the live registry.
// The hub calls it when the session's continuation resolves. Errored
// instances are retained for manual retry.
func (m *Manager) Resolve(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	live, err := m.store.BySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, inst := range live {
		if inst.Status == StatusCompleted {
			if err := m.store.Delete(ctx, inst.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the live instance with the given id.
func (m *Manager) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return m.store.Get(ctx, instanceID)
}

// Live returns all live instances for a session.
func (m *Manager) Live(ctx context.Context, sessionID string) ([]*Instance, error) {
	return m.store.BySession(ctx, sessionID)
}

// Template returns the static template backing an instance.
func (m *Manager) Template(inst *Instance) (Template, bool) {
	return m.registry.Get(inst.TemplateID)
}

// run executes an instance already transitioned to executing. The session
// lock is not held across the executor call: executions are long-running and
// concurrent proposals are rejected by status, not by lock contention.
func (m *Manager) run(ctx context.Context, inst *Instance) (*Instance, error) {
	tmpl, _ := m.registry.Get(inst.TemplateID)
	inv := Invocation{Instance: inst, Tool: tmpl.Tool, Params: inst.FinalParams}

	started := m.now()
	result, err := m.executor.Execute(ctx, inv)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		m.logger.Warn(ctx, "action execution failed, retrying once",
			"instance_id", inst.ID, "template", inst.TemplateID, "error", err)
		m.metrics.IncCounter("action.retried", 1, "template", inst.TemplateID)
		result, err = m.executor.Execute(ctx, inv)
	}
	m.metrics.RecordTimer("action.execute", m.now().Sub(started), "template", inst.TemplateID)

	lock := m.sessionLock(inst.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err != nil {
		m.transition(ctx, inst, StatusErrored, err.Error())
		m.metrics.IncCounter("action.errored", 1, "template", inst.TemplateID)
		return inst, fmt.Errorf("%w: %s", ErrExecFailed, err)
	}
	inst.Result = &result
	m.transition(ctx, inst, StatusCompleted, "")
	m.metrics.IncCounter("action.completed", 1, "template", inst.TemplateID)
	return inst, nil
}

func (m *Manager) transition(ctx context.Context, inst *Instance, status Status, errMsg string) {
	inst.Status = status
	inst.Err = errMsg
	inst.UpdatedAt = m.now().UTC()
	m.notify(ctx, inst)
}

func (m *Manager) notify(ctx context.Context, inst *Instance) {
	if m.observer != nil {
		m.observer(ctx, inst)
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}
