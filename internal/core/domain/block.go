package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockPtr identifies a block by height and hash.
type BlockPtr struct {
	Number uint64      `json:"number" yaml:"number"`
	Hash   common.Hash `json:"hash"   yaml:"hash"`
}

// NewBlockPtr builds a pointer from a number and a hex encoded hash.
func NewBlockPtr(number uint64, hash string) BlockPtr {
	return BlockPtr{Number: number, Hash: common.HexToHash(hash)}
}

// Equal reports whether both number and hash match.
func (p BlockPtr) Equal(other BlockPtr) bool {
	return p.Number == other.Number && p.Hash == other.Hash
}

// IsSibling reports whether other sits at the same height on a different branch.
func (p BlockPtr) IsSibling(other BlockPtr) bool {
	return p.Number == other.Number && p.Hash != other.Hash
}

// IsGenesis reports whether the pointer is at height zero.
func (p BlockPtr) IsGenesis() bool {
	return p.Number == 0
}

func (p BlockPtr) String() string {
	return fmt.Sprintf("#%d (%s)", p.Number, p.Hash.TerminalString())
}

// PtrEqual compares optional pointers; two nil pointers are equal.
func PtrEqual(a, b *BlockPtr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Finality tells whether a block can still be displaced by a reorg.
type Finality string

const (
	FinalityFinal    Finality = "final"
	FinalityNonFinal Finality = "non_final"
)

// Block is a chain block as seen by the indexer.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	Finality   Finality
}

// Ptr returns the block's own pointer.
func (b *Block) Ptr() BlockPtr {
	return BlockPtr{Number: b.Number, Hash: b.Hash}
}

// ParentPtr returns the parent pointer, or nil for genesis.
func (b *Block) ParentPtr() *BlockPtr {
	if b.Number == 0 {
		return nil
	}
	return &BlockPtr{Number: b.Number - 1, Hash: b.ParentHash}
}

// IsFinal reports whether the block is beyond the reorg horizon.
func (b *Block) IsFinal() bool {
	return b.Finality == FinalityFinal
}

// Validate checks the block's own integrity.
func (b *Block) Validate() error {
	if b.Hash == (common.Hash{}) {
		return fmt.Errorf("%w: block %d has empty hash", ErrInvalidBlock, b.Number)
	}
	if b.Number > 0 && b.ParentHash == b.Hash {
		return fmt.Errorf("%w: block %s is its own parent", ErrInvalidBlock, b.Ptr())
	}
	switch b.Finality {
	case FinalityFinal, FinalityNonFinal:
	default:
		return fmt.Errorf("%w: block %s has unknown finality %q", ErrInvalidBlock, b.Ptr(), b.Finality)
	}
	return nil
}

// BlockWithTriggers is a block plus the triggers matched against it, in order.
type BlockWithTriggers struct {
	Block    Block
	Triggers []Trigger
}

// NewBlockWithTriggers validates the block and that every trigger was observed at it.
func NewBlockWithTriggers(block Block, triggers []Trigger) (*BlockWithTriggers, error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	ptr := block.Ptr()
	for i, t := range triggers {
		if !t.Ptr.Equal(ptr) {
			return nil, fmt.Errorf(
				"%w: trigger %d observed at %s, block is %s",
				ErrInvalidBlock, i, t.Ptr, ptr,
			)
		}
	}
	return &BlockWithTriggers{Block: block, Triggers: triggers}, nil
}

// Ptr returns the pointer of the wrapped block.
func (b *BlockWithTriggers) Ptr() BlockPtr {
	return b.Block.Ptr()
}

// ParentPtr returns the parent pointer of the wrapped block.
func (b *BlockWithTriggers) ParentPtr() *BlockPtr {
	return b.Block.ParentPtr()
}

// WithTriggers returns a shallow copy carrying a different trigger list.
func (b *BlockWithTriggers) WithTriggers(triggers []Trigger) *BlockWithTriggers {
	return &BlockWithTriggers{Block: b.Block, Triggers: triggers}
}
