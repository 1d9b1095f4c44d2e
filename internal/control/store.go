package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockindexer/internal/core/config"
	redisclient "github.com/vietddude/blockindexer/internal/infra/redis"
	"github.com/vietddude/blockindexer/internal/infra/storage"
	"github.com/vietddude/blockindexer/internal/infra/storage/memory"
	"github.com/vietddude/blockindexer/internal/infra/storage/postgres"
	"github.com/vietddude/blockindexer/internal/infra/storage/sqlite"
)

// Store is an opened progress store backend.
type Store struct {
	Repo    storage.ProgressRepository
	Backend string

	db     *postgres.DB
	redis  *redisclient.Client
	closer func() error
}

// OpenStore connects the configured backend. Postgres is migrated on open.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*Store, error) {
	s := &Store{Backend: cfg.Store.Backend, closer: func() error { return nil }}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		s.Repo = memory.NewProgressRepo(memory.NewMemoryStorage())

	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		s.db = db
		s.Repo = postgres.NewProgressRepo(db)
		s.closer = db.Close

	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		s.Repo = sqlite.NewProgressRepo(db)
		s.closer = func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}

	case config.BackendRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.redis = client
		s.Repo = redisclient.NewProgressRepo(client)
		s.closer = client.Close

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	slog.Info("Progress store opened", "backend", cfg.Store.Backend)
	return s, nil
}

// Close releases the backend connection.
func (s *Store) Close() error {
	return s.closer()
}
