// Package testutil builds small chains for tests.
package testutil

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Hash returns a non-empty hash whose low bytes encode n.
func Hash(n uint64) common.Hash {
	var h common.Hash
	h[0] = 0xab
	binary.BigEndian.PutUint64(h[common.HashLength-8:], n)
	return h
}

// Ptr returns a pointer at number with Hash(hash).
func Ptr(number, hash uint64) domain.BlockPtr {
	return domain.BlockPtr{Number: number, Hash: Hash(hash)}
}

// PtrRef is Ptr returning a pointer.
func PtrRef(number, hash uint64) *domain.BlockPtr {
	p := Ptr(number, hash)
	return &p
}

// Block builds a non-final block at number with Hash(hash) whose parent has
// Hash(parent), carrying one every-block trigger.
func Block(number, hash, parent uint64) *domain.BlockWithTriggers {
	b := domain.Block{
		Number:    number,
		Hash:      Hash(hash),
		Timestamp: 1_700_000_000 + number*12,
		Finality:  domain.FinalityNonFinal,
	}
	if number > 0 {
		b.ParentHash = Hash(parent)
	}
	return &domain.BlockWithTriggers{
		Block:    b,
		Triggers: []domain.Trigger{domain.NewBlockTrigger(b.Ptr(), domain.BlockTriggerEvery)},
	}
}

// Genesis builds block 0 with Hash(0).
func Genesis() *domain.BlockWithTriggers {
	return Block(0, 0, 0)
}

// Chain builds a linear chain of blocks 0..n-1 where block i has Hash(i).
func Chain(n int) []*domain.BlockWithTriggers {
	out := make([]*domain.BlockWithTriggers, 0, n)
	for i := 0; i < n; i++ {
		var parent uint64
		if i > 0 {
			parent = uint64(i - 1)
		}
		out = append(out, Block(uint64(i), uint64(i), parent))
	}
	return out
}

// WithTriggers appends triggers built by fn, observed at the block.
func WithTriggers(b *domain.BlockWithTriggers, fn func(ptr domain.BlockPtr) []domain.Trigger) *domain.BlockWithTriggers {
	b.Triggers = append(b.Triggers, fn(b.Ptr())...)
	return b
}

// Final marks b as final and returns it.
func Final(b *domain.BlockWithTriggers) *domain.BlockWithTriggers {
	b.Block.Finality = domain.FinalityFinal
	return b
}
