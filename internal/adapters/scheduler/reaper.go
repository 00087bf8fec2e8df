package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Reaper force-releases instance locks held longer than maxAge. Locks never
// expire on their own, so a crashed holder is only cleared here.
type Reaper struct {
	locker ports.InstanceLocker
	maxAge time.Duration
	logger *slog.Logger
}

func NewReaper(locker ports.InstanceLocker, maxAge time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{locker: locker, maxAge: maxAge, logger: logger.With("component", "reaper")}
}

// Reap returns the ids of the locks it released.
func (r *Reaper) Reap(ctx context.Context, now time.Time) ([]string, error) {
	locks, err := r.locker.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, l := range locks {
		if l.Owner == "" || now.Sub(l.AcquiredAt) < r.maxAge {
			continue
		}
		if err := r.locker.ForceUnlock(ctx, l.InstanceID, l.Owner, l.Generation); err != nil {
			if domain.IsVersionConflict(err) {
				r.logger.Debug("stale lock changed hands before release", "instance_id", l.InstanceID, "owner", l.Owner, "generation", l.Generation)
				continue
			}
			r.logger.Warn("failed to release stale lock", "instance_id", l.InstanceID, "owner", l.Owner, "error", err)
			continue
		}
		r.logger.Warn("released stale instance lock",
			"instance_id", l.InstanceID,
			"owner", l.Owner,
			"generation", l.Generation,
			"held_for", now.Sub(l.AcquiredAt))
		released = append(released, l.InstanceID)
	}
	return released, nil
}
