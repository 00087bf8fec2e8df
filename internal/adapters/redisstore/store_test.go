package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/domain"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test:", nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOpenRequiresAddr(t *testing.T) {
	_, err := Open("", "p:", nil)
	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "storage.redis_addr", cfgErr.Field)
}

func TestOpenConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(mr.Addr(), "p:", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestDocuments(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "b", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "a", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "b", []byte(`{"v":2}`)))

	assert.True(t, mr.Exists("test:instance:doc:a"))

	doc, err := s.Load(ctx, "b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Load(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.Save(ctx, "", nil), domain.ErrInvalidInput)
}

func TestTryLock(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Generation)
	assert.True(t, rec.AcquiredAt.Equal(now))

	again, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Generation)

	_, err = s.TryLock(ctx, "p1", "b")
	var locked *domain.AlreadyLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "a", locked.Owner)
	assert.True(t, locked.Since.Equal(now))
}

func TestUnlock(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)

	require.Error(t, s.Unlock(ctx, "p1", "b"))
	require.NoError(t, s.Unlock(ctx, "p1", "a"))
	require.NoError(t, s.Unlock(ctx, "p1", "a"))

	rec, err := s.TryLock(ctx, "p1", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Generation)
}

func TestForceUnlockSparesNewOwner(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	stale, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	require.NoError(t, s.Unlock(ctx, "p1", "a"))
	current, err := s.TryLock(ctx, "p1", "b")
	require.NoError(t, err)
	require.Equal(t, stale.Generation+1, current.Generation)

	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", stale.Owner, stale.Generation)))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", current.Owner, stale.Generation)))

	_, err = s.TryLock(ctx, "p1", "c")
	assert.True(t, domain.IsAlreadyLocked(err))
	require.NoError(t, s.ForceUnlock(ctx, "p1", current.Owner, current.Generation))
}

func TestForceUnlockAndList(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	_, err = s.TryLock(ctx, "p2", "b")
	require.NoError(t, err)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "p1", locks[0].InstanceID)
	assert.Equal(t, "a", locks[0].Owner)

	require.NoError(t, s.ForceUnlock(ctx, "p1", locks[0].Owner, locks[0].Generation))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", locks[0].Owner, locks[0].Generation)))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "nothing", "a", 1)))

	locks, err = s.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "p2", locks[0].InstanceID)
}
