package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "procflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever", nil)
	require.Error(t, err)

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "storage.driver", cfgErr.Field)
}

func TestLookupDialectAliases(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "sqlite3"},
		{"SQLite3", "sqlite3"},
		{"postgresql", "postgres"},
		{"pq", "postgres"},
		{"mysql", "mysql"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := lookupDialect(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.driver)
		})
	}
}

func TestDocumentsSaveLoadList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "b", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "a", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "b", []byte(`{"v":2}`)))

	doc, err := s.Load(ctx, "b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc))

	version, err := s.Version(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(ctx, "b"))
	_, err = s.Load(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDocumentsSaveRequiresID(t *testing.T) {
	s := openTestStore(t)
	err := s.Save(context.Background(), "", []byte("{}"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "p1", []byte("{}")))
	require.NoError(t, s.Migrate(context.Background()))

	_, err := s.Load(context.Background(), "p1")
	require.NoError(t, err)
}

func TestTryLockIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.TryLock(ctx, "p1", "node-a/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Generation)

	again, err := s.TryLock(ctx, "p1", "node-a/1")
	require.NoError(t, err)
	assert.Equal(t, first.Generation, again.Generation)

	_, err = s.TryLock(ctx, "p1", "node-b/1")
	var locked *domain.AlreadyLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "node-a/1", locked.Owner)
}

func TestUnlockAdvancesGeneration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	require.NoError(t, s.Unlock(ctx, "p1", "a"))

	second, err := s.TryLock(ctx, "p1", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Generation)

	err = s.Unlock(ctx, "p1", "a")
	require.Error(t, err)

	require.NoError(t, s.Unlock(ctx, "unknown", "a"))
}

func TestForceUnlockSparesNewOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	require.NoError(t, s.Unlock(ctx, "p1", "a"))
	current, err := s.TryLock(ctx, "p1", "b")
	require.NoError(t, err)
	require.Equal(t, stale.Generation+1, current.Generation)

	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", stale.Owner, stale.Generation)))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", current.Owner, stale.Generation)))
	assert.Error(t, s.ForceUnlock(ctx, "p1", "", current.Generation))

	_, err = s.TryLock(ctx, "p1", "c")
	assert.True(t, domain.IsAlreadyLocked(err))
	require.NoError(t, s.ForceUnlock(ctx, "p1", current.Owner, current.Generation))
}

func TestForceUnlockAndListLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.TryLock(ctx, "p1", "a")
	require.NoError(t, err)
	_, err = s.TryLock(ctx, "p2", "b")
	require.NoError(t, err)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "p1", locks[0].InstanceID)
	assert.True(t, locks[0].AcquiredAt.Equal(now))

	require.NoError(t, s.ForceUnlock(ctx, "p1", locks[0].Owner, locks[0].Generation))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "p1", locks[0].Owner, locks[0].Generation)))
	assert.True(t, domain.IsVersionConflict(s.ForceUnlock(ctx, "missing", "a", 1)))

	locks, err = s.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "p2", locks[0].InstanceID)

	_, err = s.TryLock(ctx, "p1", "c")
	require.NoError(t, err)
}
