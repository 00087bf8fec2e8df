package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Released locks keep their row with an empty owner so the generation keeps
// counting across owners.
type lockRow struct {
	InstanceID string `db:"instance_id"`
	Owner      string `db:"owner"`
	Generation int64  `db:"generation"`
	AcquiredAt int64  `db:"acquired_at"`
}

func (r lockRow) record() ports.LockRecord {
	return ports.LockRecord{
		InstanceID: r.InstanceID,
		Owner:      r.Owner,
		Generation: r.Generation,
		AcquiredAt: time.Unix(0, r.AcquiredAt).UTC(),
	}
}

func (s *Store) readLock(ctx context.Context, instanceID string) (lockRow, bool, error) {
	var row lockRow
	query := s.db.Rebind(`SELECT instance_id, owner, generation, acquired_at FROM ` + locksTable + ` WHERE instance_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockRow{}, false, nil
		}
		return lockRow{}, false, domain.NewStorageError("failed to read lock", err, domain.WithInstance(instanceID))
	}
	return row, true, nil
}

func (s *Store) conflict(ctx context.Context, instanceID string, cause error) error {
	row, exists, err := s.readLock(ctx, instanceID)
	if err != nil {
		return err
	}
	if !exists || row.Owner == "" {
		return domain.NewStorageError("failed to acquire lock", cause, domain.WithInstance(instanceID))
	}
	return &domain.AlreadyLockedError{InstanceID: instanceID, Owner: row.Owner, Since: row.record().AcquiredAt}
}

// TryLock fails fast; it never waits for the holder.
func (s *Store) TryLock(ctx context.Context, instanceID, owner string) (*ports.LockRecord, error) {
	if instanceID == "" || owner == "" {
		return nil, domain.NewValidationError("instance id and owner are required", domain.ErrInvalidInput)
	}

	row, exists, err := s.readLock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if exists && row.Owner == owner {
		record := row.record()
		return &record, nil
	}
	if exists && row.Owner != "" {
		return nil, &domain.AlreadyLockedError{InstanceID: instanceID, Owner: row.Owner, Since: row.record().AcquiredAt}
	}

	now := s.now()
	next := lockRow{InstanceID: instanceID, Owner: owner, Generation: row.Generation + 1, AcquiredAt: now.UnixNano()}
	if !exists {
		query := s.db.Rebind(`INSERT INTO ` + locksTable + ` (instance_id, owner, generation, acquired_at) VALUES (?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, query, next.InstanceID, next.Owner, next.Generation, next.AcquiredAt); err != nil {
			// Losing the insert race surfaces as a key violation.
			return nil, s.conflict(ctx, instanceID, err)
		}
	} else {
		query := s.db.Rebind(`UPDATE ` + locksTable + ` SET owner = ?, generation = generation + 1, acquired_at = ? WHERE instance_id = ? AND owner = '' AND generation = ?`)
		res, err := s.db.ExecContext(ctx, query, owner, next.AcquiredAt, instanceID, row.Generation)
		if err != nil {
			return nil, domain.NewStorageError("failed to acquire lock", err, domain.WithInstance(instanceID))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, s.conflict(ctx, instanceID, domain.ErrVersionConflict)
		}
	}

	record := next.record()
	s.logger.Debug("lock acquired", "instance_id", instanceID, "owner", owner, "generation", record.Generation)
	return &record, nil
}

func (s *Store) Unlock(ctx context.Context, instanceID, owner string) error {
	query := s.db.Rebind(`UPDATE ` + locksTable + ` SET owner = '' WHERE instance_id = ? AND owner = ?`)
	res, err := s.db.ExecContext(ctx, query, instanceID, owner)
	if err != nil {
		return domain.NewStorageError("failed to release lock", err, domain.WithInstance(instanceID))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("lock released", "instance_id", instanceID)
		return nil
	}

	row, exists, err := s.readLock(ctx, instanceID)
	if err != nil {
		return err
	}
	if exists && row.Owner != "" && row.Owner != owner {
		return domain.NewConcurrencyError("lock is held by another owner", domain.ErrInvalidInput,
			domain.WithInstance(instanceID), domain.WithDetail("owner", row.Owner))
	}
	return nil
}

// ForceUnlock releases a lock on behalf of a crashed holder, and only while
// that holder still owns it at the given generation.
func (s *Store) ForceUnlock(ctx context.Context, instanceID, owner string, generation int64) error {
	if owner == "" {
		return domain.NewValidationError("owner is required", domain.ErrInvalidInput, domain.WithInstance(instanceID))
	}
	query := s.db.Rebind(`UPDATE ` + locksTable + ` SET owner = '' WHERE instance_id = ? AND owner = ? AND generation = ?`)
	res, err := s.db.ExecContext(ctx, query, instanceID, owner, generation)
	if err != nil {
		return domain.NewStorageError("failed to force lock release", err, domain.WithInstance(instanceID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewConcurrencyError("lock is no longer held by the expected owner", domain.ErrVersionConflict,
			domain.WithInstance(instanceID), domain.WithDetail("owner", owner), domain.WithDetail("generation", generation))
	}
	s.logger.Warn("forced lock release", "instance_id", instanceID, "owner", owner, "generation", generation)
	return nil
}

func (s *Store) ListLocks(ctx context.Context) ([]ports.LockRecord, error) {
	var rows []lockRow
	query := `SELECT instance_id, owner, generation, acquired_at FROM ` + locksTable + ` WHERE owner <> '' ORDER BY instance_id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, domain.NewStorageError("failed to list locks", err)
	}
	out := make([]ports.LockRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}
