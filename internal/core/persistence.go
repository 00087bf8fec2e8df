package core

import (
	"context"

	"github.com/eleven-am/procflow/internal/domain"
)

// Serialize encodes the instance together with its slice of correlation state.
// Look-ahead children are pruned first; a tree that fails validation is refused.
func (m *Manager) Serialize(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		out, err := m.serializer.Serialize(inst, m.correlation.Export(inst.ID))
		raw = out
		return false, err
	})
	return raw, err
}

// Deserialize restores a document produced by Serialize, migrating older schema
// versions, and loads it in place of any instance with the same id.
func (m *Manager) Deserialize(ctx context.Context, raw []byte) (string, error) {
	inst, corr, err := m.serializer.Deserialize(raw)
	if err != nil {
		return "", err
	}
	owner, err := m.lock(ctx, inst.ID)
	if err != nil {
		return "", err
	}
	m.correlation.Import(inst.ID, corr)
	m.install(inst)
	m.unlock(inst.ID, owner)

	m.logger.Info("process instance restored", "instance_id", inst.ID, "status", inst.Status, "tasks", inst.Tree.Len())
	m.dispatch(ctx)
	return inst.ID, nil
}

// Save writes the instance to the document store regardless of auto-persist.
func (m *Manager) Save(ctx context.Context, id string) error {
	return m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		return false, m.save(ctx, inst)
	})
}

// Load reads the stored document for id, replacing the loaded copy if any.
func (m *Manager) Load(ctx context.Context, id string) error {
	owner, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	err = func() error {
		defer m.unlock(id, owner)
		_, err := m.restore(ctx, id)
		return err
	}()
	m.dispatch(ctx)
	return err
}

// LoadAll loads every stored instance that is not already loaded. Instances
// locked elsewhere are skipped.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	ids, err := m.documents.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if _, ok := m.loaded(id); ok {
			continue
		}
		if err := m.Load(ctx, id); err != nil {
			if domain.IsAlreadyLocked(err) {
				continue
			}
			m.logger.Warn("failed to load stored instance", append(errorLogAttrs(err), "instance_id", id)...)
			continue
		}
		count++
	}
	return count, nil
}

// Unload persists the instance and drops it and its correlation state from memory.
func (m *Manager) Unload(ctx context.Context, id string) error {
	owner, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer m.unlock(id, owner)

	inst, ok := m.loaded(id)
	if !ok {
		return newManagerValidationError("unload", "process instance not loaded", domain.ErrInstanceNotFound, domain.WithInstance(id))
	}
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	m.correlation.Forget(id)
	m.logger.Debug("process instance unloaded", "instance_id", id)
	return nil
}

// Delete removes the instance from memory and from the document store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	owner, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer m.unlock(id, owner)

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	m.correlation.Forget(id)
	if err := m.documents.Delete(ctx, id); err != nil && !domain.IsNotFound(err) {
		return err
	}
	return nil
}

func (m *Manager) lookup(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	if inst, ok := m.loaded(id); ok {
		return inst, nil
	}
	return m.restore(ctx, id)
}

func (m *Manager) restore(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	raw, err := m.documents.Load(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, newManagerValidationError("lookup", "process instance not found", domain.ErrInstanceNotFound, domain.WithInstance(id))
		}
		return nil, err
	}
	inst, corr, err := m.serializer.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	m.correlation.Import(inst.ID, corr)
	m.install(inst)
	return inst, nil
}

// persist saves after a mutation when auto-persist is on.
func (m *Manager) persist(ctx context.Context, inst *domain.ProcessInstance) error {
	if !m.config.Engine.AutoPersist {
		return nil
	}
	return m.save(ctx, inst)
}

func (m *Manager) save(ctx context.Context, inst *domain.ProcessInstance) error {
	inst.Version++
	raw, err := m.serializer.Serialize(inst, m.correlation.Export(inst.ID))
	if err != nil {
		m.logger.Error("failed to serialize instance", append(errorLogAttrs(err), "instance_id", inst.ID)...)
		return err
	}
	if err := m.documents.Save(ctx, inst.ID, raw); err != nil {
		return err
	}
	return nil
}
