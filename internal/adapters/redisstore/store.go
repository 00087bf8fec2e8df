// Package redisstore keeps serialized process instances and instance locks in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

const generationPrefix = "instance:gen:"

// acquire returns {1, generation, acquired_at} on success and
// {0, owner, acquired_at} when someone else holds the lock.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner then
	local at = redis.call('HGET', KEYS[1], 'acquired_at')
	if owner ~= ARGV[1] then
		return {0, owner, at}
	end
	return {1, redis.call('HGET', KEYS[1], 'generation'), at}
end
local gen = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'generation', gen, 'acquired_at', ARGV[2])
return {1, tostring(gen), ARGV[2]}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// forceRelease deletes the lock only while ARGV[1] holds it at generation ARGV[2].
var forceReleaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'generation') == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store implements ports.DocumentStore and ports.InstanceLocker on Redis.
// Locks are hashes created atomically by a script; the generation lives in its
// own counter so it survives releases.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ ports.DocumentStore  = (*Store)(nil)
	_ ports.InstanceLocker = (*Store)(nil)
)

// Open connects to addr and verifies the server answers.
func Open(addr, prefix string, logger *slog.Logger) (*Store, error) {
	if addr == "" {
		return nil, domain.NewConfigError("storage.redis_addr", domain.ErrInvalidInput)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.NewStorageError("failed to connect to redis", err, domain.WithDetail("addr", addr))
	}
	return New(client, prefix, logger), nil
}

func New(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "redisstore"),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(instanceID string) string {
	return s.prefix + domain.DocumentKey(instanceID)
}

func (s *Store) lockKey(instanceID string) string {
	return s.prefix + domain.LockKey(instanceID)
}

func (s *Store) Save(ctx context.Context, instanceID string, doc []byte) error {
	if instanceID == "" {
		return domain.NewValidationError("instance id is required", domain.ErrInvalidInput)
	}
	if err := s.client.Set(ctx, s.docKey(instanceID), doc, 0).Err(); err != nil {
		return domain.NewStorageError("failed to save document", err, domain.WithInstance(instanceID))
	}
	s.logger.Debug("document saved", "instance_id", instanceID, "bytes", len(doc))
	return nil
}

func (s *Store) Load(ctx context.Context, instanceID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.docKey(instanceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.NewStorageError("document not found", domain.ErrNotFound, domain.WithInstance(instanceID))
		}
		return nil, domain.NewStorageError("failed to load document", err, domain.WithInstance(instanceID))
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, instanceID string) error {
	if err := s.client.Del(ctx, s.docKey(instanceID)).Err(); err != nil {
		return domain.NewStorageError("failed to delete document", err, domain.WithInstance(instanceID))
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	prefix := s.docKey("")
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, domain.NewStorageError("failed to list documents", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// TryLock fails fast; it never waits for the holder.
func (s *Store) TryLock(ctx context.Context, instanceID, owner string) (*ports.LockRecord, error) {
	if instanceID == "" || owner == "" {
		return nil, domain.NewValidationError("instance id and owner are required", domain.ErrInvalidInput)
	}

	keys := []string{s.lockKey(instanceID), s.prefix + generationPrefix + instanceID}
	res, err := acquireScript.Run(ctx, s.client, keys, owner, strconv.FormatInt(s.now().UnixNano(), 10)).Slice()
	if err != nil {
		return nil, domain.NewStorageError("failed to acquire lock", err, domain.WithInstance(instanceID))
	}
	if len(res) != 3 {
		return nil, domain.NewStorageError("unexpected lock script reply", fmt.Errorf("got %d values", len(res)), domain.WithInstance(instanceID))
	}

	acquiredAt := parseNanos(res[2])
	if toInt(res[0]) == 0 {
		return nil, &domain.AlreadyLockedError{InstanceID: instanceID, Owner: fmt.Sprint(res[1]), Since: acquiredAt}
	}

	record := &ports.LockRecord{
		InstanceID: instanceID,
		Owner:      owner,
		Generation: toInt(res[1]),
		AcquiredAt: acquiredAt,
	}
	s.logger.Debug("lock acquired", "instance_id", instanceID, "owner", owner, "generation", record.Generation)
	return record, nil
}

func (s *Store) Unlock(ctx context.Context, instanceID, owner string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(instanceID)}, owner).Int64()
	if err != nil {
		return domain.NewStorageError("failed to release lock", err, domain.WithInstance(instanceID))
	}
	if n > 0 {
		s.logger.Debug("lock released", "instance_id", instanceID)
		return nil
	}

	holder, err := s.client.HGet(ctx, s.lockKey(instanceID), "owner").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.NewStorageError("failed to read lock", err, domain.WithInstance(instanceID))
	}
	if holder != "" && holder != owner {
		return domain.NewConcurrencyError("lock is held by another owner", domain.ErrInvalidInput,
			domain.WithInstance(instanceID), domain.WithDetail("owner", holder))
	}
	return nil
}

// ForceUnlock releases a lock on behalf of a crashed holder, and only while
// that holder still owns it at the given generation.
func (s *Store) ForceUnlock(ctx context.Context, instanceID, owner string, generation int64) error {
	if owner == "" {
		return domain.NewValidationError("owner is required", domain.ErrInvalidInput, domain.WithInstance(instanceID))
	}
	n, err := forceReleaseScript.Run(ctx, s.client, []string{s.lockKey(instanceID)}, owner, strconv.FormatInt(generation, 10)).Int64()
	if err != nil {
		return domain.NewStorageError("failed to force lock release", err, domain.WithInstance(instanceID))
	}
	if n == 0 {
		return domain.NewConcurrencyError("lock is no longer held by the expected owner", domain.ErrVersionConflict,
			domain.WithInstance(instanceID), domain.WithDetail("owner", owner), domain.WithDetail("generation", generation))
	}
	s.logger.Warn("forced lock release", "instance_id", instanceID, "owner", owner, "generation", generation)
	return nil
}

func (s *Store) ListLocks(ctx context.Context) ([]ports.LockRecord, error) {
	prefix := s.lockKey("")
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, domain.NewStorageError("failed to list locks", err)
	}
	sort.Strings(keys)

	out := make([]ports.LockRecord, 0, len(keys))
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, domain.NewStorageError("failed to read lock", err, domain.WithDetail("key", k))
		}
		if fields["owner"] == "" {
			continue
		}
		gen, _ := strconv.ParseInt(fields["generation"], 10, 64)
		out = append(out, ports.LockRecord{
			InstanceID: strings.TrimPrefix(k, prefix),
			Owner:      fields["owner"],
			Generation: gen,
			AcquiredAt: parseNanos(fields["acquired_at"]),
		})
	}
	return out, nil
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func parseNanos(v interface{}) time.Time {
	return time.Unix(0, toInt(v)).UTC()
}
