package fixture

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/chain"
)

var _ chain.Source = (*Source)(nil)

// Source serves a fixture as a live chain. Blocks become visible one at a
// time through Advance; the last revealed block is the head and its lineage
// is the canonical chain.
type Source struct {
	fixture *Fixture

	mu       sync.RWMutex
	revealed int
	byHash   map[common.Hash]*domain.BlockWithTriggers
}

// NewSource creates a source with the first reveal blocks visible. A negative
// reveal shows the whole fixture.
func NewSource(f *Fixture, reveal int) *Source {
	s := &Source{fixture: f, byHash: make(map[common.Hash]*domain.BlockWithTriggers)}
	if reveal < 0 {
		reveal = len(f.Blocks)
	}
	for i := 0; i < reveal; i++ {
		s.Advance()
	}
	return s
}

// Advance reveals the next block. It returns false once every block is visible.
func (s *Source) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealed >= len(s.fixture.Blocks) {
		return false
	}
	b := s.fixture.Blocks[s.revealed]
	s.byHash[b.Block.Hash] = b
	s.revealed++
	return true
}

// Done reports whether every block has been revealed.
func (s *Source) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revealed >= len(s.fixture.Blocks)
}

func (s *Source) Name() string {
	if s.fixture.Name == "" {
		return "fixture"
	}
	return "fixture:" + s.fixture.Name
}

func (s *Source) Head(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tipLocked()
	if tip == nil {
		return 0, chain.ErrBlockNotFound
	}
	return tip.Block.Number, nil
}

func (s *Source) BlockByNumber(ctx context.Context, number uint64) (*domain.BlockWithTriggers, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.tipLocked()
	for cur != nil && cur.Block.Number > number {
		parent := cur.ParentPtr()
		cur = s.byHash[parent.Hash]
	}
	if cur == nil || cur.Block.Number != number {
		return nil, fmt.Errorf("%w: #%d", chain.ErrBlockNotFound, number)
	}
	return cur, nil
}

func (s *Source) BlockByHash(ctx context.Context, hash common.Hash) (*domain.BlockWithTriggers, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrBlockNotFound, hash.TerminalString())
	}
	return b, nil
}

func (s *Source) tipLocked() *domain.BlockWithTriggers {
	if s.revealed == 0 {
		return nil
	}
	return s.fixture.Blocks[s.revealed-1]
}
