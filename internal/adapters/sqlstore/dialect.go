package sqlstore

import (
	"strings"

	"github.com/eleven-am/procflow/internal/domain"
)

type dialect struct {
	driver    string
	blobType  string
	keyType   string
	upsertDoc string
	configure []string
}

const (
	documentsTable = "procflow_documents"
	locksTable     = "procflow_locks"
)

var dialects = map[string]dialect{
	"sqlite3": {
		driver:   "sqlite3",
		blobType: "BLOB",
		keyType:  "TEXT",
		upsertDoc: `INSERT INTO procflow_documents (instance_id, body, version, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(instance_id) DO UPDATE SET body = excluded.body, version = procflow_documents.version + 1, updated_at = excluded.updated_at`,
		configure: []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"},
	},
	"mysql": {
		driver:   "mysql",
		blobType: "LONGBLOB",
		keyType:  "VARCHAR(191)",
		upsertDoc: `INSERT INTO procflow_documents (instance_id, body, version, updated_at) VALUES (?, ?, 1, ?)
ON DUPLICATE KEY UPDATE body = VALUES(body), version = version + 1, updated_at = VALUES(updated_at)`,
	},
	"postgres": {
		driver:   "postgres",
		blobType: "BYTEA",
		keyType:  "VARCHAR(191)",
		upsertDoc: `INSERT INTO procflow_documents (instance_id, body, version, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT (instance_id) DO UPDATE SET body = EXCLUDED.body, version = procflow_documents.version + 1, updated_at = EXCLUDED.updated_at`,
	},
}

func lookupDialect(driver string) (dialect, error) {
	name := strings.ToLower(strings.TrimSpace(driver))
	switch name {
	case "sqlite":
		name = "sqlite3"
	case "postgresql", "pq":
		name = "postgres"
	}
	d, ok := dialects[name]
	if !ok {
		return dialect{}, domain.NewConfigError("storage.driver", domain.ErrInvalidInput)
	}
	return d, nil
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + documentsTable + ` (
	instance_id ` + d.keyType + ` NOT NULL PRIMARY KEY,
	body ` + d.blobType + ` NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	updated_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + locksTable + ` (
	instance_id ` + d.keyType + ` NOT NULL PRIMARY KEY,
	owner VARCHAR(255) NOT NULL DEFAULT '',
	generation BIGINT NOT NULL DEFAULT 0,
	acquired_at BIGINT NOT NULL DEFAULT 0
)`,
	}
}
