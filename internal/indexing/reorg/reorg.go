// Package reorg decides how a deployment gets from its last applied block to a
// newly delivered one.
//
// # Design: Pointer Walk
//
// Detection compares the delivered block's parent pointer with the deployment's
// last pointer:
//   - parent == last: extend, apply the block
//   - parent above last+1: gap, the fetcher skipped blocks
//   - otherwise: walk both lineages back through the buffer until they meet
//
// # Rollback Process
//
//  1. Walk back from last and from the new block one height at a time
//  2. Stop at the first pointer both lineages share (the common ancestor)
//  3. Revert steps run from last down to the ancestor
//  4. Apply steps run from the ancestor up to the new block
//
// A walk that leaves the buffer, passes MaxDepth, or reaches two different
// genesis blocks is a chain discontinuity. So is a walk that would revert a
// Final block: its triggers are never retracted.
//
// # Usage
//
//	detector := reorg.NewDetector(reorg.Config{MaxDepth: 64}, buffer)
//
//	plan, err := detector.Detect(last, next)
//	if errors.Is(err, domain.ErrChainDiscontinuity) {
//	    // halt, the fetcher has to backfill
//	}
//	for _, step := range plan.Steps() {
//	    // revert or apply, one store write each
//	}
package reorg

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// DefaultMaxDepth bounds the ancestor walk when no depth is configured.
const DefaultMaxDepth = 100

// BlockSource looks up buffered blocks by hash, adopted or displaced.
type BlockSource interface {
	Block(hash common.Hash) (*domain.BlockWithTriggers, bool)
}

// Config holds configuration for reorg detection.
type Config struct {
	MaxDepth    int          // Maximum number of blocks a reorg may revert (default: 100)
	GenesisHash *common.Hash // Expected genesis hash, nil accepts any

	// StartBlock lets a fresh deployment begin at a non-genesis height, for
	// sources that do not serve the whole chain. Zero means genesis.
	StartBlock uint64
}

// NewDetector creates a new reorg detector.
func NewDetector(config Config, source BlockSource) *Detector {
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultMaxDepth
	}
	return &Detector{
		config: config,
		source: source,
	}
}
