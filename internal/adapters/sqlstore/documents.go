package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/eleven-am/procflow/internal/domain"
)

type documentRow struct {
	InstanceID string `db:"instance_id"`
	Body       []byte `db:"body"`
	Version    int64  `db:"version"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (s *Store) Save(ctx context.Context, instanceID string, doc []byte) error {
	if instanceID == "" {
		return domain.NewValidationError("instance id is required", domain.ErrInvalidInput)
	}
	query := s.db.Rebind(s.dialect.upsertDoc)
	if _, err := s.db.ExecContext(ctx, query, instanceID, doc, s.now().UnixNano()); err != nil {
		return domain.NewStorageError("failed to save document", err, domain.WithInstance(instanceID))
	}
	s.logger.Debug("document saved", "instance_id", instanceID, "bytes", len(doc))
	return nil
}

func (s *Store) Load(ctx context.Context, instanceID string) ([]byte, error) {
	var row documentRow
	query := s.db.Rebind(`SELECT instance_id, body, version, updated_at FROM ` + documentsTable + ` WHERE instance_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewStorageError("document not found", domain.ErrNotFound, domain.WithInstance(instanceID))
		}
		return nil, domain.NewStorageError("failed to load document", err, domain.WithInstance(instanceID))
	}
	return row.Body, nil
}

func (s *Store) Delete(ctx context.Context, instanceID string) error {
	query := s.db.Rebind(`DELETE FROM ` + documentsTable + ` WHERE instance_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, instanceID); err != nil {
		return domain.NewStorageError("failed to delete document", err, domain.WithInstance(instanceID))
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT instance_id FROM `+documentsTable+` ORDER BY instance_id`); err != nil {
		return nil, domain.NewStorageError("failed to list documents", err)
	}
	return ids, nil
}

// Version reports how many times a document has been saved.
func (s *Store) Version(ctx context.Context, instanceID string) (int64, error) {
	var version int64
	query := s.db.Rebind(`SELECT version FROM ` + documentsTable + ` WHERE instance_id = ?`)
	if err := s.db.GetContext(ctx, &version, query, instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NewStorageError("document not found", domain.ErrNotFound, domain.WithInstance(instanceID))
		}
		return 0, domain.NewStorageError("failed to read document version", err, domain.WithInstance(instanceID))
	}
	return version, nil
}
