package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStore is a process-local ports.StoragePort with the same version rules
// as BadgerStore.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(key string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, false, domain.ErrClosed
	}
	entry, ok := m.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), entry.value...), entry.version, true, nil
}

func (m *MemoryStore) Put(key string, value []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrClosed
	}
	current := m.data[key].version
	if current != version {
		return &versionMismatch{key: key, expected: version, actual: current}
	}
	m.data[key] = memoryEntry{value: append([]byte(nil), value...), version: current + 1}
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrClosed
	}
	delete(m.data, key)
	return nil
}

// ListByPrefix returns matches sorted by key, like a badger prefix scan.
func (m *MemoryStore) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrClosed
	}
	var out []ports.KeyValueVersion
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ports.KeyValueVersion{Key: k, Value: append([]byte(nil), e.value...), Version: e.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
