package reorg

import (
	"fmt"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Detector computes revert/apply plans from buffered lineage.
type Detector struct {
	config Config
	source BlockSource
}

// Detect returns the plan that takes a deployment at last to next.
//
// last is nil for a deployment that has not applied any block; next must then
// be a genesis block, or the configured start block.
func (d *Detector) Detect(last *domain.BlockPtr, next *domain.BlockWithTriggers) (*Plan, error) {
	ptr := next.Ptr()

	if ptr.IsGenesis() && d.config.GenesisHash != nil && ptr.Hash != *d.config.GenesisHash {
		return nil, fmt.Errorf(
			"%w: genesis %s does not match configured %s",
			domain.ErrChainDiscontinuity, ptr, d.config.GenesisHash.Hex(),
		)
	}

	parent := next.ParentPtr()

	if last == nil {
		if parent != nil && (d.config.StartBlock == 0 || ptr.Number != d.config.StartBlock) {
			return nil, fmt.Errorf(
				"%w: no block applied yet and %s is not the start block",
				domain.ErrChainDiscontinuity, ptr,
			)
		}
		return &Plan{Outcome: OutcomeExtend, Applies: []Step{applyStep(next)}}, nil
	}

	if ptr.Equal(*last) {
		anc := *last
		return &Plan{Outcome: OutcomeNone, Ancestor: &anc}, nil
	}

	// Parent matches - no reorg
	if parent != nil && parent.Equal(*last) {
		anc := *last
		return &Plan{Outcome: OutcomeExtend, Ancestor: &anc, Applies: []Step{applyStep(next)}}, nil
	}

	if parent != nil && parent.Number > last.Number+1 {
		return nil, fmt.Errorf(
			"%w: block %s has parent #%d, last applied is %s",
			domain.ErrChainDiscontinuity, ptr, parent.Number, last,
		)
	}

	return d.walk(*last, next)
}

// walk finds the common ancestor of last and next by stepping back the higher
// of the two lineages, or both when they sit at the same height.
func (d *Detector) walk(last domain.BlockPtr, next *domain.BlockWithTriggers) (*Plan, error) {
	var (
		reverts []Step
		applies []Step
	)

	oldPtr := last
	newBlock := next
	newPtr := next.Ptr()

	for !oldPtr.Equal(newPtr) {
		stepOld := oldPtr.Number >= newPtr.Number
		stepNew := newPtr.Number >= oldPtr.Number

		if stepNew && newBlock == nil {
			return nil, fmt.Errorf(
				"%w: block %s is not buffered, cannot link %s",
				domain.ErrChainDiscontinuity, newPtr, next.Ptr(),
			)
		}

		if stepOld {
			old, ok := d.source.Block(oldPtr.Hash)
			if !ok {
				return nil, fmt.Errorf(
					"%w: block %s is no longer buffered, cannot find common ancestor",
					domain.ErrChainDiscontinuity, oldPtr,
				)
			}
			if old.Block.IsFinal() {
				return nil, fmt.Errorf(
					"%w: final block reorg, %s would be reverted to reach %s",
					domain.ErrChainDiscontinuity, oldPtr, next.Ptr(),
				)
			}
			parent := old.ParentPtr()
			if parent == nil {
				return nil, fmt.Errorf(
					"%w: genesis %s is not an ancestor of %s",
					domain.ErrChainDiscontinuity, oldPtr, next.Ptr(),
				)
			}
			reverts = append(reverts, revertStep(old))
			if len(reverts) > d.config.MaxDepth {
				return nil, fmt.Errorf(
					"%w: reorg depth exceeds %d blocks",
					domain.ErrChainDiscontinuity, d.config.MaxDepth,
				)
			}
			oldPtr = *parent
		}

		if stepNew {
			applies = append(applies, applyStep(newBlock))
			if len(applies) > d.config.MaxDepth+1 {
				return nil, fmt.Errorf(
					"%w: new branch deeper than %d blocks",
					domain.ErrChainDiscontinuity, d.config.MaxDepth,
				)
			}
			var err error
			if newBlock, newPtr, err = d.parentOf(newBlock, next); err != nil {
				return nil, err
			}
		}
	}

	// applies were collected top-down
	for i, j := 0, len(applies)-1; i < j; i, j = i+1, j-1 {
		applies[i], applies[j] = applies[j], applies[i]
	}

	ancestor := oldPtr
	outcome := OutcomeReorg
	if len(reverts) == 0 {
		outcome = OutcomeExtend
	}
	return &Plan{
		Outcome:  outcome,
		Ancestor: &ancestor,
		Reverts:  reverts,
		Applies:  applies,
	}, nil
}

// parentOf steps the new lineage back one block. The returned block is nil when
// the parent is not buffered; its pointer is still known from the child, which
// is enough to compare against the old lineage.
func (d *Detector) parentOf(
	b *domain.BlockWithTriggers,
	next *domain.BlockWithTriggers,
) (*domain.BlockWithTriggers, domain.BlockPtr, error) {
	parent := b.ParentPtr()
	if parent == nil {
		return nil, domain.BlockPtr{}, fmt.Errorf(
			"%w: branch of %s reaches a different genesis",
			domain.ErrChainDiscontinuity, next.Ptr(),
		)
	}
	pb, _ := d.source.Block(parent.Hash)
	return pb, *parent, nil
}
