// Package chainbuffer holds the recent window of delivered blocks.
//
// The buffer keeps one adopted block per height (the most recent delivery wins)
// and remembers displaced siblings by hash so a deployment that applied a
// displaced block can still walk back through it. Entries are evicted only when
// they are below the minimum pointer of every attached deployment and past their
// retention horizon.
package chainbuffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/indexing/metrics"
)

// Entry is a buffered block.
type Entry struct {
	Block         *domain.BlockWithTriggers
	RetainedUntil uint64 // entry may be evicted once every deployment is past this height
	DeliveredAt   time.Time
}

// Config holds buffer retention settings.
type Config struct {
	// FinalityHorizon is how many blocks a non-final entry stays revertible.
	FinalityHorizon uint64
}

// Buffer is safe for concurrent use. Push is expected from a single ingestion
// goroutine; any number of drivers may read.
type Buffer struct {
	cfg Config

	mu         sync.RWMutex
	byHash     map[common.Hash]*Entry
	canonical  map[uint64]common.Hash
	head       *Entry
	watermarks map[string]*uint64
	changed    chan struct{}
}

// New creates an empty buffer.
func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:        cfg,
		byHash:     make(map[common.Hash]*Entry),
		canonical:  make(map[uint64]common.Hash),
		watermarks: make(map[string]*uint64),
		changed:    make(chan struct{}),
	}
}

// Push adopts block as the current block at its height. Adopted blocks above its
// height are displaced; ancestors already buffered are re-adopted so the
// canonical index stays a single lineage.
func (b *Buffer) Push(block *domain.BlockWithTriggers) error {
	if block == nil {
		return fmt.Errorf("%w: nil block", domain.ErrInvalidBlock)
	}
	if err := block.Block.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ptr := block.Ptr()
	if current, ok := b.canonical[ptr.Number]; ok && current == ptr.Hash {
		// Re-delivery of the adopted block
		return nil
	}

	entry := &Entry{
		Block:         block,
		RetainedUntil: b.retainedUntil(&block.Block),
		DeliveredAt:   time.Now(),
	}
	b.byHash[ptr.Hash] = entry

	for n := range b.canonical {
		if n > ptr.Number {
			delete(b.canonical, n)
		}
	}
	b.canonical[ptr.Number] = ptr.Hash

	for cur := entry; ; {
		parent := cur.Block.ParentPtr()
		if parent == nil {
			break
		}
		if adopted, ok := b.canonical[parent.Number]; ok && adopted == parent.Hash {
			break
		}
		prev, ok := b.byHash[parent.Hash]
		if !ok {
			// Unknown parent leaves a hole below this block
			delete(b.canonical, parent.Number)
			break
		}
		b.canonical[parent.Number] = parent.Hash
		cur = prev
	}

	b.head = entry
	b.notifyLocked()

	metrics.ChainHead.Set(float64(ptr.Number))
	metrics.BufferSize.Set(float64(len(b.byHash)))
	return nil
}

func (b *Buffer) retainedUntil(block *domain.Block) uint64 {
	if block.IsFinal() {
		return block.Number
	}
	return block.Number + b.cfg.FinalityHorizon
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Changed returns a channel closed on the next Push. Grab it before inspecting
// the buffer to avoid missing a delivery.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Head returns the most recently adopted block, or nil when empty.
func (b *Buffer) Head() *domain.BlockWithTriggers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.head == nil {
		return nil
	}
	return b.head.Block
}

// Block returns the buffered block with the given hash, adopted or displaced.
func (b *Buffer) Block(hash common.Hash) (*domain.BlockWithTriggers, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.Block, true
}

// Entry returns the buffer entry for a hash.
func (b *Buffer) Entry(hash common.Hash) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Canonical returns the adopted block at a height.
func (b *Buffer) Canonical(number uint64) (*domain.BlockWithTriggers, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.canonicalLocked(number)
}

func (b *Buffer) canonicalLocked(number uint64) (*domain.BlockWithTriggers, bool) {
	hash, ok := b.canonical[number]
	if !ok {
		return nil, false
	}
	e, ok := b.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.Block, true
}

// IsAdopted reports whether ptr is the adopted block at its height.
func (b *Buffer) IsAdopted(ptr domain.BlockPtr) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hash, ok := b.canonical[ptr.Number]
	return ok && hash == ptr.Hash
}

// Next returns the block a deployment at last should look at next, or false
// when it is caught up with the head.
//
// A deployment on the adopted lineage gets the adopted block one above it. A
// deployment on a displaced branch, or with a hole above it, gets the head so
// the detector can work out the revert or report the discontinuity. A pointer
// the buffer has never seen, at or above the head, waits for ingestion.
func (b *Buffer) Next(last *domain.BlockPtr) (*domain.BlockWithTriggers, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.head == nil {
		return nil, false
	}
	if last == nil {
		if genesis, ok := b.canonicalLocked(0); ok {
			return genesis, true
		}
		return b.lowestLocked(), true
	}
	if next, ok := b.canonicalLocked(last.Number + 1); ok {
		return next, true
	}
	head := b.head.Block
	if head.Ptr().Equal(*last) {
		return nil, false
	}
	if _, known := b.byHash[last.Hash]; !known && head.Block.Number <= last.Number {
		// Ingestion has not reached the deployment yet
		return nil, false
	}
	return head, true
}

func (b *Buffer) lowestLocked() *domain.BlockWithTriggers {
	var lowest *domain.BlockWithTriggers
	for n, hash := range b.canonical {
		if lowest == nil || n < lowest.Block.Number {
			if e, ok := b.byHash[hash]; ok {
				lowest = e.Block
			}
		}
	}
	if lowest == nil {
		return b.head.Block
	}
	return lowest
}

// Floor returns the lowest retained height.
func (b *Buffer) Floor() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.byHash) == 0 {
		return 0, false
	}
	var floor uint64
	first := true
	for _, e := range b.byHash {
		if first || e.Block.Block.Number < floor {
			floor = e.Block.Block.Number
			first = false
		}
	}
	return floor, true
}

// Len returns the number of buffered blocks, adopted and displaced.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byHash)
}

// -----------------------------------------------------------------------------
// Deployment watermarks
// -----------------------------------------------------------------------------

// Attach registers a deployment and its current pointer.
func (b *Buffer) Attach(deploymentID string, ptr *domain.BlockPtr) {
	b.setWatermark(deploymentID, ptr)
}

// Advance records the deployment's new pointer.
func (b *Buffer) Advance(deploymentID string, ptr *domain.BlockPtr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watermarks[deploymentID]; !ok {
		return
	}
	b.watermarks[deploymentID] = numberOf(ptr)
}

// Detach stops holding blocks for a deployment.
func (b *Buffer) Detach(deploymentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watermarks, deploymentID)
}

func (b *Buffer) setWatermark(deploymentID string, ptr *domain.BlockPtr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watermarks[deploymentID] = numberOf(ptr)
}

func numberOf(ptr *domain.BlockPtr) *uint64 {
	if ptr == nil {
		return nil
	}
	n := ptr.Number
	return &n
}

// MinWatermark returns the lowest pointer height of attached deployments. A
// deployment without a pointer pins the buffer at zero.
func (b *Buffer) MinWatermark() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.minWatermarkLocked()
}

func (b *Buffer) minWatermarkLocked() (uint64, bool) {
	if len(b.watermarks) == 0 {
		return 0, false
	}
	var min uint64
	first := true
	for _, n := range b.watermarks {
		if n == nil {
			return 0, true
		}
		if first || *n < min {
			min = *n
			first = false
		}
	}
	return min, true
}

// Prune evicts entries whose retention horizon lies below every attached
// deployment's pointer. With no deployment attached, the head height is the
// bound. Returns the number of evicted entries.
func (b *Buffer) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == nil {
		return 0
	}
	bound, ok := b.minWatermarkLocked()
	if !ok {
		bound = b.head.Block.Block.Number
	}

	evicted := 0
	for hash, e := range b.byHash {
		if e == b.head || e.RetainedUntil >= bound {
			continue
		}
		delete(b.byHash, hash)
		n := e.Block.Block.Number
		if adopted, ok := b.canonical[n]; ok && adopted == hash {
			delete(b.canonical, n)
		}
		evicted++
	}

	if evicted > 0 {
		metrics.BufferEvictions.Add(float64(evicted))
		metrics.BufferSize.Set(float64(len(b.byHash)))
	}
	return evicted
}
