package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// ErrBlockNotFound means the source does not serve the requested block, yet
// or at all.
var ErrBlockNotFound = errors.New("block not found")

// Source is the boundary between ingestion and a chain's transport.
// Returned blocks carry every trigger the source extracts; filtering happens
// per deployment.
type Source interface {
	// Head returns the height of the source's current head
	Head(ctx context.Context) (uint64, error)

	// BlockByNumber fetches the source's current block at a height
	BlockByNumber(ctx context.Context, number uint64) (*domain.BlockWithTriggers, error)

	// BlockByHash fetches a block by hash, used to walk back parents
	BlockByHash(ctx context.Context, hash common.Hash) (*domain.BlockWithTriggers, error)

	// Name labels the source in logs and metrics
	Name() string
}
