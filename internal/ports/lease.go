package ports

import (
	"context"
	"time"
)

// LockRecord describes who holds an instance lock and since when. Generation
// increments every time ownership changes.
type LockRecord struct {
	InstanceID string            `json:"instance_id"`
	Owner      string            `json:"owner"`
	Generation int64             `json:"generation"`
	AcquiredAt time.Time         `json:"acquired_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// InstanceLocker is the fail-fast exclusive lock held around every engine step.
// Locks never expire on their own; a reaper calls ForceUnlock on stale records.
type InstanceLocker interface {
	// TryLock fails with *domain.AlreadyLockedError when another owner holds the lock.
	TryLock(ctx context.Context, instanceID, owner string) (*LockRecord, error)
	Unlock(ctx context.Context, instanceID, owner string) error
	ListLocks(ctx context.Context) ([]LockRecord, error)
	// ForceUnlock releases the lock only while owner still holds it at generation.
	// Otherwise it fails with domain.ErrVersionConflict and leaves the lock alone.
	ForceUnlock(ctx context.Context, instanceID, owner string, generation int64) error
}
