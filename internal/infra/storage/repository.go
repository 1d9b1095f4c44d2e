package storage

import (
	"context"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// ProgressRepository persists deployment progress records.
//
// Implementations must make CompareAndSwap atomic: the record is updated only
// when its stored pointer equals prior, otherwise domain.ErrConflict is returned.
type ProgressRepository interface {
	// Create inserts an empty record (nil pointer, unknown health) if none exists
	// and returns the stored record either way.
	Create(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error)

	// Get returns the record or domain.ErrNotFound.
	Get(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error)

	// CompareAndSwap sets pointer and health if the stored pointer equals prior.
	CompareAndSwap(
		ctx context.Context,
		deploymentID string,
		prior, next *domain.BlockPtr,
		health domain.Health,
	) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, deploymentID string) error

	// List returns all records ordered by deployment id.
	List(ctx context.Context) ([]*domain.ProgressRecord, error)
}
