package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blockindexer/internal/infra/chain"
)

// HeadCache caches the source head to reduce redundant calls while the poller
// sits at the chain head.
type HeadCache struct {
	source chain.Source
	ttl    time.Duration

	mu       sync.RWMutex
	cached   uint64
	valid    bool
	cachedAt time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(source chain.Source, ttl time.Duration) *HeadCache {
	return &HeadCache{
		source: source,
		ttl:    ttl,
	}
}

// Head returns the cached head if within TTL, otherwise fetches fresh.
func (c *HeadCache) Head(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if c.valid && time.Since(c.cachedAt) < c.ttl {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	head, err := c.source.Head(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cached = head
	c.valid = true
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return head, nil
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
