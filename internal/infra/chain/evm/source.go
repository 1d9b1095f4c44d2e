// Package evm reads blocks from an EVM JSON-RPC endpoint.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/chain"
)

var _ chain.Source = (*Source)(nil)

// Client is the part of ethclient.Client the source uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config holds EVM source settings.
type Config struct {
	Name string

	// FinalityHorizon is the depth below head at which a block is final.
	FinalityHorizon uint64

	// LogAddresses, when set, adds a log trigger per matching log. Blocks whose
	// header bloom cannot contain these addresses skip the log query.
	LogAddresses []common.Address
}

// Source serves headers as blocks carrying one every-block trigger, plus log
// triggers for the configured addresses.
type Source struct {
	client Client
	cfg    Config
	head   atomic.Uint64
	log    *slog.Logger
}

// Dial connects to rawURL and returns a source over it.
func Dial(ctx context.Context, rawURL string, cfg Config) (*Source, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	return NewSource(client, cfg), client, nil
}

// NewSource creates a source over an existing client.
func NewSource(client Client, cfg Config) *Source {
	if cfg.Name == "" {
		cfg.Name = "evm"
	}
	return &Source{
		client: client,
		cfg:    cfg,
		log:    slog.Default().With("source", cfg.Name),
	}
}

func (s *Source) Name() string {
	return s.cfg.Name
}

func (s *Source) Head(ctx context.Context) (uint64, error) {
	n, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	s.head.Store(n)
	return n, nil
}

func (s *Source) BlockByNumber(ctx context.Context, number uint64) (*domain.BlockWithTriggers, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("#%d", number))
	}
	return s.toBlock(ctx, header)
}

func (s *Source) BlockByHash(ctx context.Context, hash common.Hash) (*domain.BlockWithTriggers, error) {
	header, err := s.client.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, notFound(err, hash.TerminalString())
	}
	return s.toBlock(ctx, header)
}

func notFound(err error, what string) error {
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s", chain.ErrBlockNotFound, what)
	}
	return fmt.Errorf("failed to fetch header %s: %w", what, err)
}

func (s *Source) toBlock(ctx context.Context, header *types.Header) (*domain.BlockWithTriggers, error) {
	if header == nil || header.Number == nil {
		return nil, chain.ErrBlockNotFound
	}

	block := domain.Block{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash(),
		Timestamp: header.Time,
		Finality:  s.finality(header.Number.Uint64()),
	}
	if block.Number > 0 {
		block.ParentHash = header.ParentHash
	}

	ptr := block.Ptr()
	triggers := []domain.Trigger{domain.NewBlockTrigger(ptr, domain.BlockTriggerEvery)}

	logs, err := s.logs(ctx, header, ptr.Hash)
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		triggers = append(triggers, domain.NewLogTrigger(ptr, l.Address, l.Index))
	}
	return domain.NewBlockWithTriggers(block, triggers)
}

func (s *Source) finality(number uint64) domain.Finality {
	head := s.head.Load()
	if head >= number && head-number >= s.cfg.FinalityHorizon {
		return domain.FinalityFinal
	}
	return domain.FinalityNonFinal
}

func (s *Source) logs(ctx context.Context, header *types.Header, hash common.Hash) ([]types.Log, error) {
	if len(s.cfg.LogAddresses) == 0 || !s.mayContain(header.Bloom) {
		return nil, nil
	}
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: s.cfg.LogAddresses,
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs failed for %s: %w", hash.TerminalString(), err)
	}

	// Logs of a block hash are unique, but drop any the node returned for a
	// different block after a reorg.
	out := logs[:0]
	for _, l := range logs {
		if l.BlockHash != hash || l.Removed {
			s.log.Debug("Dropping stale log", "block", hash.TerminalString(), "log_block", l.BlockHash.TerminalString())
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Source) mayContain(bloom types.Bloom) bool {
	for _, addr := range s.cfg.LogAddresses {
		if types.BloomLookup(bloom, addr) {
			return true
		}
	}
	return false
}
