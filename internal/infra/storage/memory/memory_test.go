package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/infra/storage"
	"github.com/vietddude/blockindexer/internal/infra/storage/storagetest"
	"github.com/vietddude/blockindexer/internal/testutil"
)

func TestProgressRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.ProgressRepository {
		return NewProgressRepo(NewMemoryStorage())
	})
}

func TestProgressRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepo(NewMemoryStorage())
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)

	b0 := testutil.Ptr(0, 0)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, "healthy"))
	b0.Number = 42

	rec, err := repo.Get(ctx, "dep")
	require.NoError(t, err)
	rec.Ptr.Number = 7

	again, err := repo.Get(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), again.Ptr.Number)
}

func TestProgressRepo_CancelledContext(t *testing.T) {
	repo := NewProgressRepo(NewMemoryStorage())
	ctx, cancel := context.WithCancel(context.Background())
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)
	cancel()

	b0 := testutil.Ptr(0, 0)
	err = repo.CompareAndSwap(ctx, "dep", nil, &b0, "healthy")
	assert.ErrorIs(t, err, context.Canceled)
}
