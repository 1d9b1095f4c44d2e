package worker

import (
	"context"
	"log/slog"
	"time"
)

// Pruneable is anything holding entries that can be evicted in bulk.
type Pruneable interface {
	Prune() int
}

// Pruner periodically evicts chain buffer entries no deployment still needs.
type Pruner struct {
	target   Pruneable
	interval time.Duration
	log      *slog.Logger
}

// NewPruner creates a new Pruner worker. A non-positive interval disables it.
func NewPruner(target Pruneable, interval time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		target:   target,
		interval: interval,
		log:      logger.With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.interval <= 0 {
		return // Pruning disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune runs one eviction pass and returns the number of evicted entries.
func (p *Pruner) Prune() int {
	n := p.target.Prune()
	if n > 0 {
		p.log.Debug("Pruned chain buffer", "evicted", n)
	}
	return n
}
