// Package storagetest is a conformance suite for storage.ProgressRepository
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
	"github.com/vietddude/blockindexer/internal/testutil"
)

// Factory returns an empty repository. Cleanup belongs on t.
type Factory func(t *testing.T) storage.ProgressRepository

// Run exercises every ProgressRepository contract against fresh repositories.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreate(t, newRepo(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newRepo(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newRepo(t)) })
	t.Run("CompareAndSwapMissing", func(t *testing.T) { testCompareAndSwapMissing(t, newRepo(t)) })
	t.Run("Rewind", func(t *testing.T) { testRewind(t, newRepo(t)) })
	t.Run("SiblingConflict", func(t *testing.T) { testSiblingConflict(t, newRepo(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newRepo(t)) })
	t.Run("DeleteAndList", func(t *testing.T) { testDeleteAndList(t, newRepo(t)) })
}

func testCreate(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()

	rec, err := repo.Create(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, "dep", rec.DeploymentID)
	assert.Nil(t, rec.Ptr)
	assert.Equal(t, domain.HealthUnknown, rec.Health)

	b0 := testutil.Ptr(0, 0)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy))

	again, err := repo.Create(ctx, "dep")
	require.NoError(t, err)
	require.NotNil(t, again.Ptr)
	assert.Equal(t, b0, *again.Ptr)
	assert.Equal(t, domain.HealthHealthy, again.Health)
}

func testGetMissing(t *testing.T, repo storage.ProgressRepository) {
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testCompareAndSwap(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)

	b0, b1 := testutil.Ptr(0, 0), testutil.Ptr(1, 1)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy))
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", &b0, &b1, domain.HealthHealthy))

	// Stale prior
	err = repo.CompareAndSwap(ctx, "dep", &b0, &b1, domain.HealthHealthy)
	assert.ErrorIs(t, err, domain.ErrConflict)
	err = repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Health only
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", &b1, &b1, domain.HealthFailed))

	rec, err := repo.Get(ctx, "dep")
	require.NoError(t, err)
	require.NotNil(t, rec.Ptr)
	assert.Equal(t, b1, *rec.Ptr)
	assert.Equal(t, domain.HealthFailed, rec.Health)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func testCompareAndSwapMissing(t *testing.T, repo storage.ProgressRepository) {
	b0 := testutil.Ptr(0, 0)
	err := repo.CompareAndSwap(context.Background(), "missing", nil, &b0, domain.HealthHealthy)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testRewind(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)

	b0 := testutil.Ptr(0, 0)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy))
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", &b0, nil, domain.HealthHealthy))

	rec, err := repo.Get(ctx, "dep")
	require.NoError(t, err)
	assert.Nil(t, rec.Ptr)
}

func testSiblingConflict(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)

	b0, b1, sibling := testutil.Ptr(0, 0), testutil.Ptr(1, 1), testutil.Ptr(1, 101)
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", nil, &b0, domain.HealthHealthy))
	require.NoError(t, repo.CompareAndSwap(ctx, "dep", &b0, &b1, domain.HealthHealthy))

	// Same height, different hash is not the stored pointer
	err = repo.CompareAndSwap(ctx, "dep", &sibling, &b0, domain.HealthHealthy)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func testConcurrentWriters(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()
	_, err := repo.Create(ctx, "dep")
	require.NoError(t, err)

	const writers = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := testutil.Ptr(0, uint64(i))
			if err := repo.CompareAndSwap(ctx, "dep", nil, &next, domain.HealthHealthy); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func testDeleteAndList(t *testing.T, repo storage.ProgressRepository) {
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		_, err := repo.Create(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, repo.Delete(ctx, "b"))
	require.NoError(t, repo.Delete(ctx, "never-created"))

	recs, err := repo.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.DeploymentID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)

	_, err = repo.Get(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
