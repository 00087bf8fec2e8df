// Package sqlstore keeps serialized process instances and instance locks in a
// SQL database. sqlite, mysql and postgres are supported.
package sqlstore

import (
	"context"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Store implements ports.DocumentStore and ports.InstanceLocker on one database.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ ports.DocumentStore  = (*Store)(nil)
	_ ports.InstanceLocker = (*Store)(nil)
)

// Open connects with driver and dsn and creates the tables when missing.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if d.driver == "mysql" && !strings.Contains(dsn, "parseTime=") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sqlx.Open(d.driver, dsn)
	if err != nil {
		return nil, domain.NewStorageError("failed to open database", err, domain.WithDetail("driver", d.driver))
	}
	if d.driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, domain.NewStorageError("failed to connect to database", err, domain.WithDetail("driver", d.driver))
	}

	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The connection's driver name selects the dialect.
func New(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	d, err := lookupDialect(db.DriverName())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "sqlstore", "driver", d.driver),
	}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the document and lock tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.configure {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("database setting rejected", "statement", stmt, "error", err)
		}
	}
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return domain.NewStorageError("failed to create schema", err, domain.WithComponent("sqlstore"))
		}
	}
	return nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}
