package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

var _ storage.ProgressRepository = (*ProgressRepo)(nil)

type MemoryStorage struct {
	progress map[string]*domain.ProgressRecord
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		progress: make(map[string]*domain.ProgressRecord),
	}
}

// -----------------------------------------------------------------------------
// Progress Repository
// -----------------------------------------------------------------------------

type ProgressRepo struct {
	store *MemoryStorage
}

func NewProgressRepo(store *MemoryStorage) *ProgressRepo {
	return &ProgressRepo{store: store}
}

func (r *ProgressRepo) Create(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if rec, ok := r.store.progress[deploymentID]; ok {
		return rec.Clone(), nil
	}
	rec := &domain.ProgressRecord{
		DeploymentID: deploymentID,
		Health:       domain.HealthUnknown,
		UpdatedAt:    time.Now(),
	}
	r.store.progress[deploymentID] = rec
	return rec.Clone(), nil
}

func (r *ProgressRepo) Get(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rec, ok := r.store.progress[deploymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	// Return a copy
	return rec.Clone(), nil
}

func (r *ProgressRepo) CompareAndSwap(
	ctx context.Context,
	deploymentID string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.progress[deploymentID]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.PtrEqual(rec.Ptr, prior) {
		return domain.ErrConflict
	}

	updated := &domain.ProgressRecord{
		DeploymentID: deploymentID,
		Health:       health,
		UpdatedAt:    time.Now(),
	}
	if next != nil {
		p := *next
		updated.Ptr = &p
	}
	r.store.progress[deploymentID] = updated
	return nil
}

func (r *ProgressRepo) Delete(ctx context.Context, deploymentID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.progress, deploymentID)
	return nil
}

func (r *ProgressRepo) List(ctx context.Context) ([]*domain.ProgressRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.ProgressRecord, 0, len(r.store.progress))
	for _, rec := range r.store.progress {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}
