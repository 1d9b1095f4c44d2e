package mapping

import (
	"context"
	"log/slog"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// LogExecutor logs every step. It is the default when a deployment has no sink.
type LogExecutor struct {
	log *slog.Logger
}

var _ Executor = (*LogExecutor)(nil)

func NewLogExecutor(log *slog.Logger) *LogExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &LogExecutor{log: log}
}

func (e *LogExecutor) Apply(ctx context.Context, block *domain.BlockWithTriggers) error {
	e.log.Info("Applied block", "block", block.Ptr().String(), "triggers", len(block.Triggers))
	for _, t := range block.Triggers {
		e.log.Debug("Applied trigger", "trigger", t.String())
	}
	return nil
}

func (e *LogExecutor) Revert(ctx context.Context, ptr domain.BlockPtr, triggers []domain.Trigger) error {
	e.log.Info("Reverted block", "block", ptr.String(), "triggers", len(triggers))
	for _, t := range triggers {
		e.log.Debug("Reverted trigger", "trigger", t.String())
	}
	return nil
}
