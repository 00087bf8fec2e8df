package storage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Documents implements ports.DocumentStore on any ports.StoragePort.
type Documents struct {
	storage ports.StoragePort
	prefix  string
	logger  *slog.Logger
}

var _ ports.DocumentStore = (*Documents)(nil)

func NewDocuments(storage ports.StoragePort, prefix string, logger *slog.Logger) *Documents {
	if logger == nil {
		logger = slog.Default()
	}
	return &Documents{
		storage: storage,
		prefix:  prefix,
		logger:  logger.With("component", "documents"),
	}
}

func (d *Documents) key(instanceID string) string {
	return d.prefix + domain.DocumentKey(instanceID)
}

func (d *Documents) Save(ctx context.Context, instanceID string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return domain.NewValidationError("instance id is required", domain.ErrInvalidInput)
	}

	key := d.key(instanceID)
	for attempt := 0; attempt < 3; attempt++ {
		_, version, _, err := d.storage.Get(key)
		if err != nil {
			return domain.NewStorageError("failed to read document version", err, domain.WithInstance(instanceID))
		}
		err = d.storage.Put(key, doc, version)
		if err == nil {
			d.logger.Debug("document saved", "instance_id", instanceID, "bytes", len(doc), "version", version+1)
			return nil
		}
		if !isVersionMismatch(err) {
			return domain.NewStorageError("failed to save document", err, domain.WithInstance(instanceID))
		}
	}
	return domain.NewStorageError("document save lost a version race", domain.ErrVersionConflict, domain.WithInstance(instanceID))
}

func (d *Documents) Load(ctx context.Context, instanceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, _, exists, err := d.storage.Get(d.key(instanceID))
	if err != nil {
		return nil, domain.NewStorageError("failed to load document", err, domain.WithInstance(instanceID))
	}
	if !exists {
		return nil, domain.NewStorageError("document not found", domain.ErrNotFound, domain.WithInstance(instanceID))
	}
	return value, nil
}

func (d *Documents) Delete(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.storage.Delete(d.key(instanceID)); err != nil {
		return domain.NewStorageError("failed to delete document", err, domain.WithInstance(instanceID))
	}
	return nil
}

func (d *Documents) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := d.key("")
	entries, err := d.storage.ListByPrefix(prefix)
	if err != nil {
		return nil, domain.NewStorageError("failed to list documents", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimPrefix(e.Key, prefix))
	}
	return ids, nil
}
