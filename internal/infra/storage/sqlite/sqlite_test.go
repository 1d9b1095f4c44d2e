package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
	"github.com/vietddude/blockindexer/internal/infra/storage/storagetest"
	"github.com/vietddude/blockindexer/internal/testutil"
)

// setupTestRepo creates a repository over an in-memory SQLite database.
func setupTestRepo(t *testing.T) *ProgressRepo {
	t.Helper()
	db, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewProgressRepo(db)
}

func TestProgressRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.ProgressRepository {
		return setupTestRepo(t)
	})
}

func TestProgressRepo_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")

	db, err := Open(Config{Path: path})
	require.NoError(t, err)
	repo := NewProgressRepo(db)
	_, err = repo.Create(ctx, "dep")
	require.NoError(t, err)
	b0 := testutil.Ptr(0, 0)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	db, err = Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	rec, err := NewProgressRepo(db).Get(ctx, "dep")
	require.NoError(t, err)
	require.NotNil(t, rec.Ptr)
	assert.Equal(t, b0, *rec.Ptr)
	assert.True(t, rec.IsHealthy())
}
