package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

const versionKeyPrefix = "v:"

// BadgerStore is the embedded ports.StoragePort. Every key carries a version
// counter stored under a sibling "v:" key and updated in the same transaction.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	stopGC context.CancelFunc
	gcDone chan struct{}
}

func OpenBadger(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger-store")

	opts := badger.DefaultOptions(path).WithLogger(newBadgerLogger(logger))
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewStorageError("failed to open badger", err, domain.WithDetail("path", path))
	}
	logger.Debug("badger opened", "path", path, "in_memory", path == "")
	return &BadgerStore{db: db, logger: logger}, nil
}

func versionKey(key string) []byte {
	return []byte(versionKeyPrefix + key)
}

func encodeVersion(version int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version))
	return buf
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get(versionKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, domain.NewStorageError("corrupt version record", domain.ErrInvalidInput, domain.WithDetail("key", key))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (s *BadgerStore) guard() error {
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func (s *BadgerStore) Get(key string) (value []byte, version int64, exists bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, 0, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if value, err = item.ValueCopy(nil); err != nil {
			return err
		}
		exists = true
		version, err = readVersion(txn, key)
		return err
	})
	return value, version, exists, err
}

// Put writes value when version matches the stored version (0 for an absent key)
// and bumps the stored version by one.
func (s *BadgerStore) Put(key string, value []byte, version int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, key)
		if err != nil {
			return err
		}
		if current != version {
			return &versionMismatch{key: key, expected: version, actual: current}
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set(versionKey(key), encodeVersion(current+1))
	})
	if errors.Is(err, badger.ErrConflict) {
		return &versionMismatch{key: key, expected: version, actual: -1}
	}
	return err
}

func (s *BadgerStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete(versionKey(key))
	})
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var results []ports.KeyValueVersion
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if strings.HasPrefix(key, versionKeyPrefix) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValueVersion{Key: key, Value: value, Version: version})
		}
		return nil
	})
	return results, err
}

// StartGC runs value log garbage collection every interval until Close.
func (s *BadgerStore) StartGC(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopGC != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopGC = cancel
	s.gcDone = make(chan struct{})

	go func() {
		defer close(s.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runGC()
			}
		}
	}()
}

func (s *BadgerStore) runGC() {
	for i := 0; i < 10; i++ {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			s.logger.Warn("value log gc failed", "error", err)
		}
		return
	}
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stopGC, s.gcDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return s.db.Close()
}
