package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/eleven-am/procflow/internal/xjson"
)

// LeaseManager implements ports.InstanceLocker with lock records kept in a
// ports.StoragePort. Released locks keep their record with an empty owner so the
// generation keeps counting across owners.
type LeaseManager struct {
	storage ports.StoragePort
	prefix  string
	now     func() time.Time
	logger  *slog.Logger
}

var _ ports.InstanceLocker = (*LeaseManager)(nil)

func NewLeaseManager(storage ports.StoragePort, prefix string, logger *slog.Logger) *LeaseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		storage: storage,
		prefix:  prefix,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "lease-manager"),
	}
}

func (m *LeaseManager) key(instanceID string) string {
	return m.prefix + domain.LockKey(instanceID)
}

// TryLock fails fast; it never waits for the holder.
func (m *LeaseManager) TryLock(ctx context.Context, instanceID, owner string) (*ports.LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if instanceID == "" || owner == "" {
		return nil, domain.NewValidationError("instance id and owner are required", domain.ErrInvalidInput)
	}

	key := m.key(instanceID)
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return nil, err
	}
	if exists && record.Owner != "" {
		if record.Owner == owner {
			return &record, nil
		}
		return nil, &domain.AlreadyLockedError{InstanceID: instanceID, Owner: record.Owner, Since: record.AcquiredAt}
	}

	next := ports.LockRecord{
		InstanceID: instanceID,
		Owner:      owner,
		Generation: record.Generation + 1,
		AcquiredAt: m.now(),
	}
	if err := m.write(key, next, version); err != nil {
		if isVersionMismatch(err) {
			current, _, _, readErr := m.readRecord(key)
			if readErr != nil {
				return nil, readErr
			}
			return nil, &domain.AlreadyLockedError{InstanceID: instanceID, Owner: current.Owner, Since: current.AcquiredAt}
		}
		return nil, err
	}

	m.logger.Debug("lock acquired", "instance_id", instanceID, "owner", owner, "generation", next.Generation)
	return &next, nil
}

func (m *LeaseManager) Unlock(ctx context.Context, instanceID, owner string) error {
	key := m.key(instanceID)
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return err
	}
	if !exists || record.Owner == "" {
		return nil
	}
	if record.Owner != owner {
		return domain.NewConcurrencyError("lock is held by another owner", domain.ErrInvalidInput,
			domain.WithInstance(instanceID), domain.WithDetail("owner", record.Owner))
	}
	return m.release(key, record, version)
}

// ForceUnlock releases a lock on behalf of a crashed holder. The write is
// version-checked, so a holder that takes over between the read and the write
// keeps its lock.
func (m *LeaseManager) ForceUnlock(ctx context.Context, instanceID, owner string, generation int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := m.key(instanceID)
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return err
	}
	if !exists || record.Owner != owner || record.Generation != generation {
		return lockMoved(instanceID, owner, generation)
	}
	m.logger.Warn("forcing lock release", "instance_id", instanceID, "owner", owner, "generation", generation, "held_since", record.AcquiredAt)
	if err := m.release(key, record, version); err != nil {
		if isVersionMismatch(err) {
			return lockMoved(instanceID, owner, generation)
		}
		return err
	}
	return nil
}

func lockMoved(instanceID, owner string, generation int64) error {
	return domain.NewConcurrencyError("lock is no longer held by the expected owner", domain.ErrVersionConflict,
		domain.WithInstance(instanceID), domain.WithDetail("owner", owner), domain.WithDetail("generation", generation))
}

func (m *LeaseManager) ListLocks(ctx context.Context) ([]ports.LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := m.storage.ListByPrefix(m.prefix + domain.LockPrefix)
	if err != nil {
		return nil, domain.NewStorageError("failed to list locks", err)
	}
	out := make([]ports.LockRecord, 0, len(entries))
	for _, e := range entries {
		var record ports.LockRecord
		if err := xjson.Unmarshal(e.Value, &record); err != nil {
			m.logger.Warn("skipping unreadable lock record", "key", e.Key, "error", err)
			continue
		}
		if record.Owner != "" {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *LeaseManager) release(key string, record ports.LockRecord, version int64) error {
	record.Owner = ""
	record.Metadata = nil
	if err := m.write(key, record, version); err != nil {
		return err
	}
	m.logger.Debug("lock released", "instance_id", record.InstanceID, "generation", record.Generation)
	return nil
}

func (m *LeaseManager) write(key string, record ports.LockRecord, version int64) error {
	payload, err := xjson.Marshal(record)
	if err != nil {
		return domain.NewStorageError("failed to encode lock record", err)
	}
	return m.storage.Put(key, payload, version)
}

func (m *LeaseManager) readRecord(key string) (ports.LockRecord, int64, bool, error) {
	value, version, exists, err := m.storage.Get(key)
	if err != nil {
		return ports.LockRecord{}, 0, false, domain.NewStorageError("failed to read lock record", err,
			domain.WithDetail("key", strings.TrimPrefix(key, m.prefix)))
	}
	if !exists || len(value) == 0 {
		return ports.LockRecord{}, version, false, nil
	}

	var record ports.LockRecord
	if err := xjson.Unmarshal(value, &record); err != nil {
		return ports.LockRecord{}, version, false, domain.NewStorageError("corrupt lock record", err)
	}
	return record, version, true, nil
}
