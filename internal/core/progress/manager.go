package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/indexing/metrics"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

// Manager handles progress record operations for deployments.
type Manager interface {
	// Create makes an empty record if none exists and returns the stored one.
	Create(ctx context.Context, deploymentID string) (*Record, error)

	// Read returns the current record.
	Read(ctx context.Context, deploymentID string) (*Record, error)

	// Write moves the pointer from prior to next and sets health.
	Write(ctx context.Context, deploymentID string, prior, next *domain.BlockPtr, health domain.Health) error

	// Delete removes the record of an unassigned deployment.
	Delete(ctx context.Context, deploymentID string) error

	// List returns all records.
	List(ctx context.Context) ([]*Record, error)

	// GetMetrics returns throughput metrics for a deployment.
	GetMetrics(deploymentID string) Metrics
}

var _ Manager = (*DefaultManager)(nil)

// DefaultManager implements Manager over a storage.ProgressRepository.
type DefaultManager struct {
	repo       storage.ProgressRepository
	timeout    time.Duration
	mu         sync.Mutex
	writers    map[string]chan struct{}
	collectors map[string]*MetricsCollector
}

// Create makes an empty record if none exists.
func (m *DefaultManager) Create(ctx context.Context, deploymentID string) (*Record, error) {
	var rec *Record
	err := m.bounded(ctx, "create", deploymentID, func(ctx context.Context) error {
		var err error
		rec, err = m.repo.Create(ctx, deploymentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}
	return rec, nil
}

// Read returns the current record of a deployment.
func (m *DefaultManager) Read(ctx context.Context, deploymentID string) (*Record, error) {
	var rec *Record
	err := m.bounded(ctx, "read", deploymentID, func(ctx context.Context) error {
		var err error
		rec, err = m.repo.Get(ctx, deploymentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return rec, nil
}

// Write moves the record from prior to next.
//
// At most one Write per deployment is in flight: a second caller waits for the
// writer slot, bounded by the same timeout as the store call itself. The slot is
// released only once the repository call has returned, even if the caller
// already gave up on it.
func (m *DefaultManager) Write(
	ctx context.Context,
	deploymentID string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	slot := m.writerSlot(deploymentID)

	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	select {
	case slot <- struct{}{}:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StoreTimeouts.WithLabelValues("write").Inc()
		return fmt.Errorf("%w: writer slot for %s busy after %s", domain.ErrStoreTimeout, deploymentID, m.timeout)
	}

	start := time.Now()
	err := m.boundedRelease(ctx, "write", deploymentID, func() { <-slot }, func(ctx context.Context) error {
		return m.repo.CompareAndSwap(ctx, deploymentID, prior, next, health)
	})
	metrics.StoreWriteLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			metrics.StoreConflicts.WithLabelValues(deploymentID).Inc()
		}
		return fmt.Errorf("failed to write progress: %w", err)
	}

	if next != nil && !domain.PtrEqual(prior, next) {
		revert := prior != nil && next.Number < prior.Number
		m.collector(deploymentID).RecordBlock(next.Number, time.Now(), revert)
	}
	return nil
}

// Delete removes a deployment's record.
func (m *DefaultManager) Delete(ctx context.Context, deploymentID string) error {
	err := m.bounded(ctx, "delete", deploymentID, func(ctx context.Context) error {
		return m.repo.Delete(ctx, deploymentID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}

	m.mu.Lock()
	delete(m.collectors, deploymentID)
	m.mu.Unlock()
	return nil
}

// List returns all records.
func (m *DefaultManager) List(ctx context.Context) ([]*Record, error) {
	var recs []*Record
	err := m.bounded(ctx, "list", "*", func(ctx context.Context) error {
		var err error
		recs, err = m.repo.List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return recs, nil
}

// GetMetrics returns throughput metrics for a deployment.
func (m *DefaultManager) GetMetrics(deploymentID string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if collector, ok := m.collectors[deploymentID]; ok {
		return collector.GetMetrics()
	}
	return Metrics{}
}

func (m *DefaultManager) writerSlot(deploymentID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.writers[deploymentID]
	if !ok {
		slot = make(chan struct{}, 1)
		m.writers[deploymentID] = slot
	}
	return slot
}

func (m *DefaultManager) collector(deploymentID string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collectors[deploymentID]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[deploymentID] = c
	}
	return c
}

func (m *DefaultManager) bounded(ctx context.Context, op, deploymentID string, fn func(context.Context) error) error {
	return m.boundedRelease(ctx, op, deploymentID, nil, fn)
}

// boundedRelease runs fn with the store timeout. The caller stops waiting at the
// deadline; release runs once fn has actually returned.
func (m *DefaultManager) boundedRelease(
	ctx context.Context,
	op, deploymentID string,
	release func(),
	fn func(context.Context) error,
) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := fn(callCtx)
		if release != nil {
			release()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return m.classify(ctx, op, deploymentID, err)
	case <-callCtx.Done():
		// fn may have finished right at the deadline
		select {
		case err := <-done:
			return m.classify(ctx, op, deploymentID, err)
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StoreTimeouts.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s %s after %s", domain.ErrStoreTimeout, op, deploymentID, m.timeout)
	}
}

func (m *DefaultManager) classify(ctx context.Context, op, deploymentID string, err error) error {
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		metrics.StoreTimeouts.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s %s: %v", domain.ErrStoreTimeout, op, deploymentID, err)
	}
	return err
}
