package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/indexing/chainbuffer"
	"github.com/vietddude/blockindexer/internal/testutil"
)

type countingTarget struct {
	calls atomic.Int32
}

func (c *countingTarget) Prune() int {
	c.calls.Add(1)
	return 1
}

func TestPruner_EvictsBelowWatermark(t *testing.T) {
	buf := chainbuffer.New(chainbuffer.Config{FinalityHorizon: 1})
	for _, b := range testutil.Chain(6) {
		require.NoError(t, buf.Push(b))
	}
	buf.Attach("dep", testutil.PtrRef(4, 4))

	p := NewPruner(buf, time.Minute, nil)
	evicted := p.Prune()

	// Blocks 0..2 are retained until 1..3, all below the watermark at 4
	assert.Equal(t, 3, evicted)
	floor, ok := buf.Floor()
	require.True(t, ok)
	assert.Equal(t, uint64(3), floor)
}

func TestPruner_StartRunsUntilCancel(t *testing.T) {
	target := &countingTarget{}
	p := NewPruner(target, 2*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}

func TestPruner_Disabled(t *testing.T) {
	target := &countingTarget{}
	p := NewPruner(target, 0, nil)

	// Returns immediately without a cancel
	p.Start(context.Background())
	assert.Zero(t, target.calls.Load())
}
