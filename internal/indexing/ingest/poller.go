// Package ingest moves blocks from a chain source into the chain buffer.
//
// The poller fetches heights in ascending order up to the source head. When a
// fetched block does not link to the buffered chain, the poller walks its
// parents back by hash until it reaches a buffered block and pushes the missing
// branch oldest first, so drivers only ever see linked lineages. Each poll also
// re-reads the last height it pushed to notice reorgs that shortened the chain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/indexing/chainbuffer"
	"github.com/vietddude/blockindexer/internal/indexing/metrics"
	"github.com/vietddude/blockindexer/internal/indexing/throttle"
	"github.com/vietddude/blockindexer/internal/infra/chain"
)

// DefaultMaxBackfill bounds the parent walk when none is configured.
const DefaultMaxBackfill = 64

// ErrBackfillExceeded means a fetched block's branch is deeper than the
// backfill bound.
var ErrBackfillExceeded = errors.New("backfill exceeded")

// Config wires a poller.
type Config struct {
	Source chain.Source
	Buffer *chainbuffer.Buffer

	// From is the first height fetched.
	From uint64

	Interval    time.Duration           // base poll interval (default: 2s)
	Throttle    throttle.AdaptiveConfig // zero value disables adaptive polling
	MaxBackfill int                     // parent walk bound (default: 64)
	Logger      *slog.Logger
}

// Poller is driven by Run, or by Poll from tests. Not safe for concurrent Poll calls.
type Poller struct {
	cfg   Config
	heads *throttle.HeadCache
	ctrl  *throttle.AdaptiveController
	log   *slog.Logger

	mu       sync.Mutex
	next     uint64
	lastHead uint64
}

// New creates a poller starting at cfg.From.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxBackfill <= 0 {
		cfg.MaxBackfill = DefaultMaxBackfill
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:   cfg,
		heads: throttle.NewHeadCache(cfg.Source, cfg.Throttle.HeadCacheTTL),
		ctrl:  throttle.NewAdaptiveController(cfg.Interval, cfg.Throttle),
		log:   cfg.Logger.With("source", cfg.Source.Name()),
		next:  cfg.From,
	}
}

// Next returns the next height the poller will fetch.
func (p *Poller) Next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Lag is the distance between the last seen source head and the next height.
func (p *Poller) Lag() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.lastHead) - int64(p.next) + 1
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("Ingestion started", "from", p.cfg.From, "interval", p.cfg.Interval)
	for {
		pushed, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			metrics.FetchErrors.WithLabelValues(p.cfg.Source.Name()).Inc()
			p.log.Warn("Poll failed", "next", p.Next(), "error", err)
		} else if pushed > 0 {
			p.log.Debug("Blocks ingested", "count", pushed, "next", p.Next())
		}

		interval := p.ctrl.ComputeInterval(p.Lag())
		select {
		case <-ctx.Done():
			p.log.Info("Ingestion stopped", "next", p.Next())
			return nil
		case <-time.After(interval):
		}
	}
}

// Poll fetches everything up to the source head once and returns the number
// of pushed blocks.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	head, err := p.heads.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head: %w", err)
	}

	p.mu.Lock()
	p.lastHead = head
	next := p.next
	p.mu.Unlock()

	pushed := 0
	if next > p.cfg.From {
		n, err := p.verifyTip(ctx, min(head, next-1))
		pushed += n
		if err != nil {
			return pushed, err
		}
	}

	for {
		next = p.Next()
		if next > head {
			break
		}
		block, err := p.cfg.Source.BlockByNumber(ctx, next)
		if errors.Is(err, chain.ErrBlockNotFound) {
			// Head moved back between calls
			p.heads.Invalidate()
			break
		}
		if err != nil {
			return pushed, err
		}
		n, err := p.deliver(ctx, block)
		pushed += n
		if err != nil {
			return pushed, err
		}
	}
	return pushed, nil
}

// verifyTip re-reads the block at tip and delivers it when the source's
// block there is not the buffered one.
func (p *Poller) verifyTip(ctx context.Context, tip uint64) (int, error) {
	block, err := p.cfg.Source.BlockByNumber(ctx, tip)
	if errors.Is(err, chain.ErrBlockNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if p.cfg.Buffer.IsAdopted(block.Ptr()) {
		return 0, nil
	}
	p.log.Warn("Source reorg at tip", "block", block.Ptr().String())
	return p.deliver(ctx, block)
}

// deliver pushes block after any of its ancestors the buffer is missing.
func (p *Poller) deliver(ctx context.Context, block *domain.BlockWithTriggers) (int, error) {
	branch := []*domain.BlockWithTriggers{block}
	for cur := block; ; {
		parent := cur.ParentPtr()
		if parent == nil || !p.needsParent(*parent) {
			break
		}
		if len(branch) > p.cfg.MaxBackfill {
			return 0, fmt.Errorf("%w: %s is more than %d blocks from the buffer",
				ErrBackfillExceeded, block.Ptr(), p.cfg.MaxBackfill)
		}
		pb, err := p.cfg.Source.BlockByHash(ctx, parent.Hash)
		if err != nil {
			return 0, fmt.Errorf("failed to backfill %s: %w", parent, err)
		}
		branch = append(branch, pb)
		cur = pb
	}
	if len(branch) > 1 {
		p.log.Info("Backfilling branch", "block", block.Ptr().String(), "depth", len(branch)-1)
	}

	for i := len(branch) - 1; i >= 0; i-- {
		if err := p.cfg.Buffer.Push(branch[i]); err != nil {
			return len(branch) - 1 - i, err
		}
	}

	p.mu.Lock()
	p.next = block.Block.Number + 1
	p.mu.Unlock()
	return len(branch), nil
}

// needsParent reports whether parent must be fetched before its child can be
// pushed: it is unknown to the buffer and lies within the buffered range.
func (p *Poller) needsParent(parent domain.BlockPtr) bool {
	if parent.Number < p.cfg.From {
		return false
	}
	if _, ok := p.cfg.Buffer.Block(parent.Hash); ok {
		return false
	}
	floor, ok := p.cfg.Buffer.Floor()
	return ok && parent.Number >= floor
}
