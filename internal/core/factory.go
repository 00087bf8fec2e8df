package core

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/eleven-am/procflow/internal/adapters/redisstore"
	"github.com/eleven-am/procflow/internal/adapters/sqlstore"
	"github.com/eleven-am/procflow/internal/adapters/storage"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

type stores struct {
	documents ports.DocumentStore
	locker    ports.InstanceLocker
	closers   []io.Closer
}

func createStores(config *domain.Config, logger *slog.Logger) (*stores, error) {
	sc := config.Storage
	switch sc.Backend {
	case domain.StorageBadger:
		path := sc.Path
		if path == "" {
			path = filepath.Join(config.DataDir, "badger")
		}
		db, err := storage.OpenBadger(path, logger)
		if err != nil {
			return nil, err
		}
		if sc.GCInterval > 0 {
			db.StartGC(sc.GCInterval)
		}
		return &stores{
			documents: storage.NewDocuments(db, sc.Prefix, logger),
			locker:    storage.NewLeaseManager(db, sc.Prefix, logger),
			closers:   []io.Closer{db},
		}, nil

	case domain.StorageSQL:
		db, err := sqlstore.Open(sc.Driver, sc.DSN, logger)
		if err != nil {
			return nil, err
		}
		return &stores{documents: db, locker: db, closers: []io.Closer{db}}, nil

	case domain.StorageRedis:
		rs, err := redisstore.Open(sc.RedisAddr, sc.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return &stores{documents: rs, locker: rs, closers: []io.Closer{rs}}, nil

	default:
		mem := storage.NewMemoryStore()
		return &stores{
			documents: storage.NewDocuments(mem, sc.Prefix, logger),
			locker:    storage.NewLeaseManager(mem, sc.Prefix, logger),
			closers:   []io.Closer{mem},
		}, nil
	}
}
