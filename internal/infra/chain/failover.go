package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

var _ Source = (*Failover)(nil)

// DefaultCooldown is how long a failing source is skipped.
const DefaultCooldown = 30 * time.Second

// Failover rotates between sources serving the same chain. A source that
// returns a transport error is benched for the cooldown and the call moves on
// to the next one. ErrBlockNotFound is an answer, not a failure.
type Failover struct {
	sources  []Source
	cooldown time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current int
	benched map[int]time.Time
	now     func() time.Time
}

// NewFailover creates a failover over sources in priority order.
func NewFailover(sources []Source, cooldown time.Duration) *Failover {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Failover{
		sources:  sources,
		cooldown: cooldown,
		log:      slog.Default().With("component", "failover"),
		benched:  make(map[int]time.Time),
		now:      time.Now,
	}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.sources))
	for i, s := range f.sources {
		names[i] = s.Name()
	}
	return strings.Join(names, "|")
}

func (f *Failover) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := f.do(ctx, func(s Source) error {
		var err error
		head, err = s.Head(ctx)
		return err
	})
	return head, err
}

func (f *Failover) BlockByNumber(ctx context.Context, number uint64) (*domain.BlockWithTriggers, error) {
	var block *domain.BlockWithTriggers
	err := f.do(ctx, func(s Source) error {
		var err error
		block, err = s.BlockByNumber(ctx, number)
		return err
	})
	return block, err
}

func (f *Failover) BlockByHash(ctx context.Context, hash common.Hash) (*domain.BlockWithTriggers, error) {
	var block *domain.BlockWithTriggers
	err := f.do(ctx, func(s Source) error {
		var err error
		block, err = s.BlockByHash(ctx, hash)
		return err
	})
	return block, err
}

// do tries each available source once, starting from the current one.
func (f *Failover) do(ctx context.Context, call func(Source) error) error {
	if len(f.sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	var errs []error
	for _, i := range f.order() {
		err := call(f.sources[i])
		if err == nil || errors.Is(err, ErrBlockNotFound) {
			f.promote(i)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.bench(i, err)
		errs = append(errs, fmt.Errorf("%s: %w", f.sources[i].Name(), err))
	}
	return fmt.Errorf("all sources failed: %w", errors.Join(errs...))
}

// order lists source indexes starting at the current one, skipping benched
// sources. When every source is benched all of them are tried.
func (f *Failover) order() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var ready, cooling []int
	for k := range f.sources {
		i := (f.current + k) % len(f.sources)
		if until, ok := f.benched[i]; ok && now.Before(until) {
			cooling = append(cooling, i)
			continue
		}
		delete(f.benched, i)
		ready = append(ready, i)
	}
	if len(ready) == 0 {
		return cooling
	}
	return ready
}

func (f *Failover) promote(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != i {
		f.log.Info("Switched source", "to", f.sources[i].Name())
	}
	f.current = i
	delete(f.benched, i)
}

func (f *Failover) bench(i int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.benched[i] = f.now().Add(f.cooldown)
	f.log.Warn("Source failed, benching", "source", f.sources[i].Name(), "cooldown", f.cooldown, "error", err)
}
