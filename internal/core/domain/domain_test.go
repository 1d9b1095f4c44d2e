package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[0] = 0xab
	h[31] = b
	return h
}

func TestBlockPtr(t *testing.T) {
	a := BlockPtr{Number: 1, Hash: hash(1)}
	b := BlockPtr{Number: 1, Hash: hash(2)}

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.IsSibling(b))
	assert.False(t, a.IsSibling(a))
	assert.True(t, BlockPtr{Hash: hash(0)}.IsGenesis())

	assert.True(t, PtrEqual(nil, nil))
	assert.False(t, PtrEqual(&a, nil))
	assert.False(t, PtrEqual(nil, &a))
	assert.False(t, PtrEqual(&a, &b))
	c := a
	assert.True(t, PtrEqual(&a, &c))
}

func TestBlock_ParentPtr(t *testing.T) {
	genesis := Block{Number: 0, Hash: hash(0), Finality: FinalityFinal}
	assert.Nil(t, genesis.ParentPtr())

	child := Block{Number: 1, Hash: hash(1), ParentHash: hash(0), Finality: FinalityNonFinal}
	parent := child.ParentPtr()
	require.NotNil(t, parent)
	assert.Equal(t, genesis.Ptr(), *parent)
	assert.False(t, child.IsFinal())
	assert.True(t, genesis.IsFinal())
}

func TestBlock_Validate(t *testing.T) {
	tests := []struct {
		name  string
		block Block
		valid bool
	}{
		{"genesis", Block{Hash: hash(0), Finality: FinalityFinal}, true},
		{"child", Block{Number: 3, Hash: hash(3), ParentHash: hash(2), Finality: FinalityNonFinal}, true},
		{"empty hash", Block{Number: 3, ParentHash: hash(2), Finality: FinalityFinal}, false},
		{"own parent", Block{Number: 3, Hash: hash(3), ParentHash: hash(3), Finality: FinalityFinal}, false},
		{"no finality", Block{Number: 3, Hash: hash(3), ParentHash: hash(2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidBlock)
		})
	}
}

func TestNewBlockWithTriggers(t *testing.T) {
	block := Block{Number: 1, Hash: hash(1), ParentHash: hash(0), Finality: FinalityNonFinal}
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	bwt, err := NewBlockWithTriggers(block, []Trigger{
		NewBlockTrigger(block.Ptr(), BlockTriggerEvery),
		NewLogTrigger(block.Ptr(), addr, 0),
		NewCallTrigger(block.Ptr(), addr, 1),
	})
	require.NoError(t, err)
	assert.Len(t, bwt.Triggers, 3)
	assert.Equal(t, TriggerKindLog, bwt.Triggers[1].Kind)

	elsewhere := BlockPtr{Number: 2, Hash: hash(2)}
	_, err = NewBlockWithTriggers(block, []Trigger{NewBlockTrigger(elsewhere, BlockTriggerEvery)})
	assert.ErrorIs(t, err, ErrInvalidBlock)

	swapped := bwt.WithTriggers(nil)
	assert.Empty(t, swapped.Triggers)
	assert.Len(t, bwt.Triggers, 3)
}

func TestTrigger(t *testing.T) {
	ptr := BlockPtr{Number: 5, Hash: hash(5)}
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	assert.False(t, NewBlockTrigger(ptr, BlockTriggerEvery).HasAddress())
	assert.True(t, Trigger{Kind: TriggerKindBlock, BlockType: BlockTriggerWithCallTo}.HasAddress())
	assert.True(t, NewLogTrigger(ptr, addr, 0).HasAddress())

	assert.Equal(t, "block/every@5", NewBlockTrigger(ptr, BlockTriggerEvery).String())
	assert.Equal(t, "call/"+addr.Hex()+"[2]@5", NewCallTrigger(ptr, addr, 2).String())

	kind, err := ParseTriggerKind("log")
	require.NoError(t, err)
	assert.Equal(t, TriggerKindLog, kind)
	_, err = ParseTriggerKind("transfer")
	assert.Error(t, err)
}

func TestReversed(t *testing.T) {
	ptr := BlockPtr{Number: 1, Hash: hash(1)}
	in := []Trigger{
		{Kind: TriggerKindLog, Ptr: ptr, Index: 0},
		{Kind: TriggerKindLog, Ptr: ptr, Index: 1},
		{Kind: TriggerKindLog, Ptr: ptr, Index: 2},
	}
	out := Reversed(in)
	require.Len(t, out, 3)
	assert.Equal(t, uint(2), out[0].Index)
	assert.Equal(t, uint(0), out[2].Index)
	assert.Equal(t, uint(0), in[0].Index)
	assert.Empty(t, Reversed(nil))
}

func TestErrorKind(t *testing.T) {
	ptr := BlockPtr{Number: 1, Hash: hash(1)}
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrapped: %w", ErrChainDiscontinuity), "chain_discontinuity"},
		{&StepError{Kind: StepApply, Ptr: &ptr, Err: ErrProcessing}, "processing"},
		{ErrConflict, "conflict"},
		{ErrStoreTimeout, "store_timeout"},
		{ErrUsage, "usage"},
		{ErrInvalidBlock, "invalid_block"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}

	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrConflict)))
	assert.True(t, IsTransient(ErrStoreTimeout))
	assert.False(t, IsTransient(ErrProcessing))
}

func TestStepError(t *testing.T) {
	ptr := BlockPtr{Number: 1, Hash: hash(1)}
	err := &StepError{Kind: StepRevert, Ptr: &ptr, Err: ErrConflict}
	assert.Contains(t, err.Error(), "revert #1")
	assert.ErrorIs(t, err, ErrConflict)

	var stepErr *StepError
	require.True(t, errors.As(fmt.Errorf("outer: %w", err), &stepErr))
	assert.Equal(t, StepRevert, stepErr.Kind)

	noPtr := &StepError{Kind: StepRead, Err: ErrStoreTimeout}
	assert.Equal(t, "read: progress store timeout", noPtr.Error())
}

func TestProgressRecord(t *testing.T) {
	ptr := BlockPtr{Number: 1, Hash: hash(1)}
	rec := &ProgressRecord{DeploymentID: "dep", Ptr: &ptr, Health: HealthHealthy}
	clone := rec.Clone()
	clone.Ptr.Number = 9
	assert.Equal(t, uint64(1), rec.Ptr.Number)
	assert.True(t, rec.IsHealthy())

	assert.Equal(t, HealthFailed, ParseHealth("failed"))
	assert.Equal(t, HealthUnknown, ParseHealth("garbage"))
}
