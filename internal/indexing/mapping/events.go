package mapping

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// EmittingExecutor turns steps into events and sends them through an Emitter.
type EmittingExecutor struct {
	deploymentID string
	emitter      Emitter
	now          func() time.Time
}

var _ Executor = (*EmittingExecutor)(nil)

// NewEmittingExecutor creates an executor publishing for one deployment.
func NewEmittingExecutor(deploymentID string, emitter Emitter) *EmittingExecutor {
	return &EmittingExecutor{
		deploymentID: deploymentID,
		emitter:      emitter,
		now:          time.Now,
	}
}

// Apply emits one trigger_applied event per trigger.
func (e *EmittingExecutor) Apply(ctx context.Context, block *domain.BlockWithTriggers) error {
	events := ApplyEvents(e.deploymentID, block, e.now())
	if len(events) == 0 {
		return nil
	}
	if err := e.emitter.EmitBatch(ctx, events); err != nil {
		return fmt.Errorf("failed to emit apply events for %s: %w", block.Ptr(), err)
	}
	return nil
}

// Revert emits trigger_reverted events followed by a block_reverted event.
func (e *EmittingExecutor) Revert(ctx context.Context, ptr domain.BlockPtr, triggers []domain.Trigger) error {
	events := RevertEvents(e.deploymentID, ptr, triggers, e.now())
	if err := e.emitter.EmitBatch(ctx, events); err != nil {
		return fmt.Errorf("failed to emit revert events for %s: %w", ptr, err)
	}
	return nil
}

// ApplyEvents builds the events for an applied block.
func ApplyEvents(deploymentID string, block *domain.BlockWithTriggers, at time.Time) []*domain.Event {
	events := make([]*domain.Event, 0, len(block.Triggers))
	for i := range block.Triggers {
		t := block.Triggers[i]
		events = append(events, &domain.Event{
			ID:           uuid.NewString(),
			EventType:    domain.EventTypeTriggerApplied,
			DeploymentID: deploymentID,
			Block:        block.Ptr(),
			Trigger:      &t,
			EmittedAt:    at,
		})
	}
	return events
}

// RevertEvents builds the events for a reverted block. triggers are expected
// in reverse application order already.
func RevertEvents(deploymentID string, ptr domain.BlockPtr, triggers []domain.Trigger, at time.Time) []*domain.Event {
	events := make([]*domain.Event, 0, len(triggers)+1)
	for i := range triggers {
		t := triggers[i]
		events = append(events, &domain.Event{
			ID:           uuid.NewString(),
			EventType:    domain.EventTypeTriggerReverted,
			DeploymentID: deploymentID,
			Block:        ptr,
			Trigger:      &t,
			EmittedAt:    at,
		})
	}
	return append(events, &domain.Event{
		ID:           uuid.NewString(),
		EventType:    domain.EventTypeBlockReverted,
		DeploymentID: deploymentID,
		Block:        ptr,
		EmittedAt:    at,
	})
}
