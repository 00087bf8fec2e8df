package ports

import "context"

// StoragePort is the versioned key-value contract behind the badger and memory
// stores. A Put with version 0 only succeeds when the key is absent; any other
// version must equal the stored one.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	Close() error
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}

// DocumentStore persists serialized process instances as opaque blobs.
type DocumentStore interface {
	Save(ctx context.Context, instanceID string, doc []byte) error
	// Load fails with domain.ErrNotFound when no document exists.
	Load(ctx context.Context, instanceID string) ([]byte, error)
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) ([]string, error)
}
