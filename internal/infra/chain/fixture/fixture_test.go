package fixture

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/chain"
)

func TestLoad_Typename(t *testing.T) {
	f, err := Load("testdata/typename.yaml")
	require.NoError(t, err)

	assert.Equal(t, "typename", f.Name)
	require.Len(t, f.Blocks, 5)
	assert.Equal(t, domain.NewBlockPtr(3, "0x03"), *f.StopBlock)

	assert.True(t, f.Blocks[0].Block.IsFinal())
	for _, b := range f.Blocks {
		assert.Equal(t, b.Block.Number == 0, b.Block.IsFinal(), "block %d", b.Block.Number)
		require.Len(t, b.Triggers, 1)
		assert.Equal(t, domain.BlockTriggerEvery, b.Triggers[0].BlockType)
	}
	assert.Equal(t, common.HexToHash("0x0b"), f.Blocks[3].Block.ParentHash)
}

func TestLoad_DataSourceRevert(t *testing.T) {
	f, err := Load("testdata/data-source-revert.yaml")
	require.NoError(t, err)

	require.Len(t, f.Blocks, 3)
	for _, b := range f.Blocks[1:] {
		assert.Empty(t, b.Triggers)
	}
	assert.Equal(t, f.Blocks[2].Ptr(), *f.StopBlock)
	assert.Equal(t, domain.NewBlockPtr(1, "0x0c"), *f.StopBlock)
}

func TestLoad_MixedTriggers(t *testing.T) {
	f, err := Load("testdata/mixed-triggers.yaml")
	require.NoError(t, err)

	triggers := f.Blocks[2].Triggers
	require.Len(t, triggers, 3)
	assert.Equal(t, domain.TriggerKindLog, triggers[1].Kind)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), triggers[1].Address)
	assert.Equal(t, uint(1), triggers[2].Index)

	// Without stop_block the last delivered block is the stop
	assert.Equal(t, domain.NewBlockPtr(1, "0x0c"), *f.StopBlock)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no blocks", `name: x`},
		{"unknown field", "blocks:\n  - {number: 0, hash: \"0x0a\", colour: red}"},
		{"missing hash", "blocks:\n  - {number: 0}"},
		{"missing parent", "blocks:\n  - {number: 1, hash: \"0x01\"}"},
		{"own parent", "blocks:\n  - {number: 1, hash: \"0x01\", parent: \"0x01\"}"},
		{"bad kind", "blocks:\n  - {number: 0, hash: \"0x0a\", triggers: [{kind: transfer}]}"},
		{"bad address", "blocks:\n  - {number: 0, hash: \"0x0a\", triggers: [{kind: log, address: nope}]}"},
		{"bad block type", "blocks:\n  - {number: 0, hash: \"0x0a\", triggers: [{kind: block, type: sometimes}]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSource_FollowsLatestDelivery(t *testing.T) {
	f, err := Load("testdata/typename.yaml")
	require.NoError(t, err)
	ctx := context.Background()

	src := NewSource(f, 2)
	head, err := src.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	b1, err := src.BlockByNumber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01"), b1.Block.Hash)

	// Reorg: the sibling becomes canonical at height 1
	require.True(t, src.Advance())
	b1, err = src.BlockByNumber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x0b"), b1.Block.Hash)

	// The displaced block is still served by hash
	old, err := src.BlockByHash(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), old.Block.Number)

	_, err = src.BlockByNumber(ctx, 2)
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)

	for src.Advance() {
	}
	assert.True(t, src.Done())
	head, err = src.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)

	genesis, err := src.BlockByNumber(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x0a"), genesis.Block.Hash)
	assert.Equal(t, "fixture:typename", src.Name())
}

func TestSource_Empty(t *testing.T) {
	f, err := Load("testdata/typename.yaml")
	require.NoError(t, err)

	src := NewSource(f, 0)
	_, err = src.Head(context.Background())
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)

	all := NewSource(f, -1)
	assert.True(t, all.Done())
}
