// Package mapping hands applied and reverted blocks to the code that derives
// state from them.
package mapping

import (
	"context"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Executor consumes one step at a time. Apply receives the block with the
// deployment's matched triggers in block order; Revert receives the pointer
// being undone and the same triggers in reverse order. Both must tolerate being
// called again for the same block after a crash.
type Executor interface {
	Apply(ctx context.Context, block *domain.BlockWithTriggers) error
	Revert(ctx context.Context, ptr domain.BlockPtr, triggers []domain.Trigger) error
}

// Emitter delivers events to an external sink.
type Emitter interface {
	// EmitBatch sends events in order.
	EmitBatch(ctx context.Context, events []*domain.Event) error

	// Close closes the emitter connection
	Close() error
}
