package core

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/eleven-am/procflow/internal/adapters/engine"
	"github.com/eleven-am/procflow/internal/domain"
)

// StartInstance creates a RUNNING instance of definitionID. No task runs until
// the first DoEngineSteps call.
func (m *Manager) StartInstance(ctx context.Context, definitionID string, data map[string]interface{}, opts ...StartOption) (string, error) {
	o := &startOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if _, err := m.definitions.Graph(definitionID); err != nil {
		return "", newManagerValidationError("start_instance", "definition not registered", err,
			domain.WithDetail("definition_id", definitionID))
	}
	norm, err := domain.NormalizeData(data)
	if err != nil {
		return "", newManagerValidationError("start_instance", "instance data is not serializable", err)
	}

	id := o.id
	if id == "" {
		id = uuid.New().String()
	}
	owner, err := m.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer m.unlock(id, owner)

	if m.exists(ctx, id) {
		return "", newManagerValidationError("start_instance", "process instance already exists", domain.ErrInvalidInput,
			domain.WithInstance(id))
	}

	tree := domain.NewTaskTree(m.definitions, definitionID, norm)
	inst := domain.NewProcessInstance(id, definitionID, tree, m.now())
	if o.scope != "" {
		m.correlation.JoinScope(id, o.scope)
	}
	if len(o.keys) > 0 {
		m.correlation.BindKeys(id, o.keys)
	}
	m.install(inst)

	m.recorder.RecordInstanceStatus(domain.ProcessRunning)
	m.publish(domain.LifecycleEvent{Type: domain.LifecycleProcessStarted, InstanceID: id, Status: inst.Status})
	m.logger.Info("process instance started", "instance_id", id, "definition_id", definitionID, "scope", o.scope)

	if err := m.persist(ctx, inst); err != nil {
		return id, err
	}
	return id, nil
}

// DoEngineSteps applies queued deliveries and runs the instance to a fixed point.
// Task failures come back joined in the error and, per error policy, fault or
// suspend the instance.
func (m *Manager) DoEngineSteps(ctx context.Context, id string) (*engine.StepResult, error) {
	var result *engine.StepResult
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		res, err := m.step(ctx, inst, nil)
		result = res
		return true, err
	})
	return result, err
}

// CompleteTask finishes a READY manual or user task with data, then steps.
func (m *Manager) CompleteTask(ctx context.Context, id, taskGUID string, data map[string]interface{}) (*engine.StepResult, error) {
	var result *engine.StepResult
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		if inst.Status != domain.ProcessRunning {
			return false, m.notRunning("complete_task", inst)
		}
		var failed []*domain.TaskExecutionError
		if err := m.engine.CompleteTask(ctx, inst, taskGUID, data); err != nil {
			te, ok := domain.AsTaskExecutionError(err)
			if !ok {
				return false, err
			}
			failed = append(failed, te)
		}
		if t, err := inst.Tree.FindByGUID(taskGUID); err == nil && t.State == domain.StateCompleted {
			m.publish(domain.LifecycleEvent{Type: domain.LifecycleTaskCompleted, InstanceID: inst.ID, TaskGUID: t.GUID, SpecID: t.SpecID})
		}
		res, err := m.step(ctx, inst, failed)
		result = res
		return true, err
	})
	return result, err
}

// Resume returns a SUSPENDED instance to RUNNING and steps it.
func (m *Manager) Resume(ctx context.Context, id string) (*engine.StepResult, error) {
	var result *engine.StepResult
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		if inst.Status != domain.ProcessSuspended {
			return false, newManagerError("resume", "process instance is not suspended", domain.ErrIllegalState,
				domain.WithInstance(inst.ID), domain.WithDetail("status", string(inst.Status)))
		}
		inst.Status = domain.ProcessRunning
		inst.LastError = nil
		m.counters.RecordResumed()
		m.publish(domain.LifecycleEvent{Type: domain.LifecycleProcessResumed, InstanceID: inst.ID, Status: inst.Status})
		m.logger.Info("process instance resumed", "instance_id", inst.ID)

		res, err := m.step(ctx, inst, nil)
		result = res
		return true, err
	})
	return result, err
}

// Predict adds look-ahead children depth levels below every live leaf. They are
// pruned by the next step and never persisted.
func (m *Manager) Predict(ctx context.Context, id string, depth int) (int, error) {
	var count int
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		n, err := m.engine.Predict(inst, depth)
		count = n
		return false, err
	})
	return count, err
}

// Instance returns a snapshot of a loaded or persisted instance.
func (m *Manager) Instance(ctx context.Context, id string) (*InstanceInfo, error) {
	var info *InstanceInfo
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		info = m.describe(inst)
		return false, nil
	})
	return info, err
}

// ReadyTasks lists READY tasks waiting for CompleteTask, in creation order.
func (m *Manager) ReadyTasks(ctx context.Context, id string) ([]TaskInfo, error) {
	var out []TaskInfo
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		for _, t := range inst.Tree.TasksInState(domain.StateReady) {
			info := m.describeTask(inst, t)
			if info.Kind.IsManual() {
				out = append(out, info)
			}
		}
		return false, nil
	})
	return out, err
}

// List returns the ids of loaded instances, sorted.
func (m *Manager) List() []string {
	return m.loadedIDs()
}

func (m *Manager) step(ctx context.Context, inst *domain.ProcessInstance, failed []*domain.TaskExecutionError) (*engine.StepResult, error) {
	if inst.Status != domain.ProcessRunning {
		return nil, m.notRunning("do_engine_steps", inst)
	}
	if err := m.applyInbox(inst); err != nil {
		return nil, err
	}

	result, err := m.engine.DoEngineSteps(ctx, inst)
	if result == nil {
		return nil, err
	}
	if len(failed) > 0 {
		result.Failed = append(failed, result.Failed...)
		errs := make([]error, 0, len(failed)+1)
		for _, f := range failed {
			errs = append(errs, f)
		}
		err = errors.Join(append(errs, err)...)
	}
	m.afterStep(inst, result)
	return result, err
}

// applyInbox hands queued deliveries to the engine. Deliveries after a failing
// one go back to the inbox.
func (m *Manager) applyInbox(inst *domain.ProcessInstance) error {
	deliveries := m.correlation.TakeInbox(inst.ID)
	for i, d := range deliveries {
		if err := m.engine.CatchEvent(inst, d); err != nil {
			m.correlation.Requeue(inst.ID, deliveries[i+1:])
			m.logger.Error("failed to apply delivery", append(errorLogAttrs(err), "instance_id", inst.ID, "task_guid", d.TaskGUID)...)
			return err
		}
	}
	return nil
}

func (m *Manager) afterStep(inst *domain.ProcessInstance, result *engine.StepResult) {
	for _, guid := range result.Completed {
		ev := domain.LifecycleEvent{Type: domain.LifecycleTaskCompleted, InstanceID: inst.ID, TaskGUID: guid}
		if t, err := inst.Tree.FindByGUID(guid); err == nil {
			ev.SpecID = t.SpecID
		}
		m.publish(ev)
	}
	now := m.now()
	for _, f := range result.Failed {
		m.publish(domain.LifecycleEvent{Type: domain.LifecycleTaskFailed, InstanceID: inst.ID, TaskGUID: f.TaskGUID,
			SpecID: f.SpecID, Error: domain.NewErrorRecord(f, now)})
	}

	if len(result.Failed) > 0 && inst.Status == domain.ProcessRunning {
		inst.LastError = domain.NewErrorRecord(result.Failed[0], now)
		lifecycle := domain.LifecycleProcessFaulted
		if m.config.Engine.ErrorPolicy == domain.ErrorPolicySuspend {
			inst.Status = domain.ProcessSuspended
			lifecycle = domain.LifecycleProcessSuspended
		} else {
			inst.Status = domain.ProcessFaulted
			inst.CompletedAt = &now
		}
		m.recorder.RecordInstanceStatus(inst.Status)
		m.publish(domain.LifecycleEvent{Type: lifecycle, InstanceID: inst.ID, Status: inst.Status, Error: inst.LastError,
			TaskGUID: inst.LastError.TaskGUID, SpecID: inst.LastError.SpecID})
		m.logger.Warn("process instance stopped by task failure",
			"instance_id", inst.ID,
			"status", inst.Status,
			"spec_id", inst.LastError.SpecID,
			"task_guid", inst.LastError.TaskGUID)
	}

	if result.Finished {
		lifecycle := domain.LifecycleProcessCompleted
		if inst.Status == domain.ProcessTerminated {
			lifecycle = domain.LifecycleProcessTerminated
		}
		m.recorder.RecordInstanceStatus(inst.Status)
		m.publish(domain.LifecycleEvent{Type: lifecycle, InstanceID: inst.ID, Status: inst.Status})
	}
}

func (m *Manager) notRunning(operation string, inst *domain.ProcessInstance) error {
	return newManagerError(operation, "process instance is not running", domain.ErrNotRunning,
		domain.WithInstance(inst.ID), domain.WithDetail("status", string(inst.Status)))
}

func (m *Manager) publish(event domain.LifecycleEvent) {
	if event.At.IsZero() {
		event.At = m.now()
	}
	m.events.Publish(event)
}

func (m *Manager) describe(inst *domain.ProcessInstance) *InstanceInfo {
	info := &InstanceInfo{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       inst.Status,
		StartedAt:    inst.StartedAt,
		CompletedAt:  inst.CompletedAt,
		LastError:    inst.LastError,
		Version:      inst.Version,
		Data:         domain.CloneData(inst.Tree.Root().Data),
		Pending:      m.correlation.Pending(inst.ID),
	}
	for _, t := range inst.Tree.Tasks() {
		info.Tasks = append(info.Tasks, m.describeTask(inst, t))
	}
	return info
}

func (m *Manager) describeTask(inst *domain.ProcessInstance, t *domain.TaskInstance) TaskInfo {
	info := TaskInfo{
		GUID:    t.GUID,
		SpecID:  t.SpecID,
		GraphID: inst.Tree.GraphOf(t),
		State:   t.State,
		Parent:  t.Parent,
		Data:    domain.CloneData(t.Data),
	}
	if spec, err := inst.Tree.SpecOf(t); err == nil {
		info.Name = spec.DisplayName()
		info.Kind = spec.Kind
	}
	return info
}

func (m *Manager) install(inst *domain.ProcessInstance) {
	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()
}

func (m *Manager) loaded(id string) (*domain.ProcessInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *Manager) loadedIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) exists(ctx context.Context, id string) bool {
	if _, ok := m.loaded(id); ok {
		return true
	}
	if m.documents == nil {
		return false
	}
	_, err := m.documents.Load(ctx, id)
	return err == nil
}
