package core

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/eleven-am/procflow/internal/domain"
)

// withInstance runs fn under the instance lock. When fn reports a change the
// instance is persisted before the lock is released; queued cross-instance
// deliveries are dispatched after it.
func (m *Manager) withInstance(ctx context.Context, id string, fn func(inst *domain.ProcessInstance) (bool, error)) error {
	owner, err := m.lock(ctx, id)
	if err != nil {
		return err
	}

	err = func() error {
		defer m.unlock(id, owner)
		inst, err := m.lookup(ctx, id)
		if err != nil {
			return err
		}
		changed, err := fn(inst)
		if changed {
			if perr := m.persist(ctx, inst); perr != nil {
				err = errors.Join(err, perr)
			}
		}
		return err
	}()

	m.dispatch(ctx)
	return err
}

// lock takes the fail-fast instance lock under an owner unique to this call,
// so two calls on the same node never share it.
func (m *Manager) lock(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", newManagerValidationError("lock", "instance id is required", domain.ErrInvalidInput)
	}
	owner := m.nodeID + "/" + uuid.New().String()
	if _, err := m.locker.TryLock(ctx, id, owner); err != nil {
		if domain.IsAlreadyLocked(err) {
			m.recorder.RecordLockConflict()
			m.logger.Debug("instance lock busy", "instance_id", id)
		}
		return "", err
	}
	return owner, nil
}

func (m *Manager) unlock(id, owner string) {
	if err := m.locker.Unlock(context.Background(), id, owner); err != nil {
		m.logger.Error("failed to release instance lock", "instance_id", id, "owner", owner, "error", err)
	}
}
