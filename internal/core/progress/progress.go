// Package progress guards reads and writes of deployment progress records.
//
// # Purpose
//
// A progress record is the single source of truth for how far a deployment has
// indexed and whether it is healthy:
//   - Pointer: the last block applied (nil before the first block)
//   - Health: unknown, healthy or failed
//
// Drivers never mutate a record in place. Every change is a Write that names the
// pointer the writer believes is current.
//
// # Key Features
//
// Bounded calls - Read and Write give up after the configured timeout and return
// an error wrapping domain.ErrStoreTimeout. The caller may retry.
//
// Optimistic writes - Write(prior, next) fails with domain.ErrConflict when the
// stored pointer is not prior:
//
//	m.Write(ctx, "dep", nil, &b0, domain.HealthHealthy)  // ✓ OK
//	m.Write(ctx, "dep", nil, &b1, domain.HealthHealthy)  // ✗ ErrConflict
//
// Single writer - Writes for one deployment are serialised in process; the
// repository's compare-and-swap covers writers in other processes.
//
// # Quick Start
//
//	manager := progress.NewManager(repo, progress.WithTimeout(2*time.Second))
//
//	rec, _ := manager.Create(ctx, "dep")
//	err := manager.Write(ctx, "dep", rec.Ptr, &next, domain.HealthHealthy)
//
// # Package Structure
//
//   - manager.go - Manager implementation with timeouts and writer slots
//   - metrics.go - Per-deployment throughput metrics
package progress

import (
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

// Record is the progress record of a deployment.
type Record = domain.ProgressRecord

// DefaultTimeout bounds a single store call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Option configures a DefaultManager.
type Option func(*DefaultManager)

// WithTimeout sets the bound applied to every store call.
func WithTimeout(d time.Duration) Option {
	return func(m *DefaultManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a new progress manager over the given repository.
func NewManager(repo storage.ProgressRepository, opts ...Option) *DefaultManager {
	m := &DefaultManager{
		repo:       repo,
		timeout:    DefaultTimeout,
		writers:    make(map[string]chan struct{}),
		collectors: make(map[string]*MetricsCollector),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		blockTimes: make([]blockRecord, 0, windowSize),
	}
}
