package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage/memory"
)

// =============================================================================
// Mock Repository
// =============================================================================

// slowRepo delays every call and counts concurrent compare-and-swaps.
type slowRepo struct {
	inner    *memory.ProgressRepo
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newSlowRepo(delay time.Duration) *slowRepo {
	return &slowRepo{inner: memory.NewProgressRepo(memory.NewMemoryStorage()), delay: delay}
}

func (r *slowRepo) Create(ctx context.Context, id string) (*domain.ProgressRecord, error) {
	return r.inner.Create(ctx, id)
}

func (r *slowRepo) Get(ctx context.Context, id string) (*domain.ProgressRecord, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.inner.Get(ctx, id)
}

func (r *slowRepo) CompareAndSwap(
	ctx context.Context,
	id string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	// Ignores ctx on purpose: a backend that commits after the caller gave up.
	time.Sleep(r.delay)
	return r.inner.CompareAndSwap(context.Background(), id, prior, next, health)
}

func (r *slowRepo) Delete(ctx context.Context, id string) error { return r.inner.Delete(ctx, id) }

func (r *slowRepo) List(ctx context.Context) ([]*domain.ProgressRecord, error) {
	return r.inner.List(ctx)
}

func ptr(n uint64, hash string) *domain.BlockPtr {
	p := domain.NewBlockPtr(n, hash)
	return &p
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManagerCreate(t *testing.T) {
	manager := NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
	ctx := context.Background()

	rec, err := manager.Create(ctx, "dep")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Ptr != nil {
		t.Errorf("expected nil pointer, got %v", rec.Ptr)
	}
	if rec.Health != domain.HealthUnknown {
		t.Errorf("expected unknown health, got %s", rec.Health)
	}

	if err := manager.Write(ctx, "dep", nil, ptr(0, "0x00"), domain.HealthHealthy); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Second create keeps the existing record
	rec, err = manager.Create(ctx, "dep")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Ptr == nil || rec.Ptr.Number != 0 {
		t.Errorf("expected existing pointer #0, got %v", rec.Ptr)
	}
}

func TestManagerRead_NotFound(t *testing.T) {
	manager := NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))

	_, err := manager.Read(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerWrite(t *testing.T) {
	tests := []struct {
		name    string
		prior   *domain.BlockPtr
		next    *domain.BlockPtr
		wantErr error
	}{
		{"advance from current", ptr(1, "0x01"), ptr(2, "0x02"), nil},
		{"revert from current", ptr(1, "0x01"), ptr(0, "0x00"), nil},
		{"stale prior number", ptr(0, "0x00"), ptr(1, "0x01"), domain.ErrConflict},
		{"sibling prior", ptr(1, "0x0b"), ptr(2, "0x02"), domain.ErrConflict},
		{"nil prior", nil, ptr(0, "0x00"), domain.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
			ctx := context.Background()
			if _, err := manager.Create(ctx, "dep"); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := manager.Write(ctx, "dep", nil, ptr(0, "0x00"), domain.HealthHealthy); err != nil {
				t.Fatalf("Write #0 failed: %v", err)
			}
			if err := manager.Write(ctx, "dep", ptr(0, "0x00"), ptr(1, "0x01"), domain.HealthHealthy); err != nil {
				t.Fatalf("Write #1 failed: %v", err)
			}

			err := manager.Write(ctx, "dep", tt.prior, tt.next, domain.HealthHealthy)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				rec, _ := manager.Read(ctx, "dep")
				if !domain.PtrEqual(rec.Ptr, tt.next) {
					t.Errorf("expected pointer %v, got %v", tt.next, rec.Ptr)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			rec, _ := manager.Read(ctx, "dep")
			if rec.Ptr == nil || rec.Ptr.Number != 1 {
				t.Errorf("record changed after rejected write: %v", rec.Ptr)
			}
		})
	}
}

func TestManagerRead_Timeout(t *testing.T) {
	repo := newSlowRepo(200 * time.Millisecond)
	manager := NewManager(repo, WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	if _, err := manager.Create(ctx, "dep"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	start := time.Now()
	_, err := manager.Read(ctx, "dep")
	if !errors.Is(err, domain.ErrStoreTimeout) {
		t.Fatalf("expected ErrStoreTimeout, got %v", err)
	}
	if !domain.IsTransient(err) {
		t.Error("expected timeout to be transient")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("read was not bounded, took %v", elapsed)
	}
}

func TestManagerWrite_SingleWriter(t *testing.T) {
	repo := newSlowRepo(2 * time.Millisecond)
	manager := NewManager(repo, WithTimeout(5*time.Second))
	ctx := context.Background()
	if _, err := manager.Create(ctx, "dep"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := manager.Read(ctx, "dep")
			if err != nil {
				return
			}
			var next uint64
			if rec.Ptr != nil {
				next = rec.Ptr.Number + 1
			}
			// Conflicts are expected, overlap is not
			_ = manager.Write(ctx, "dep", rec.Ptr, ptr(next, "0x01"), domain.HealthHealthy)
		}()
	}
	wg.Wait()

	if got := repo.maxSeen.Load(); got != 1 {
		t.Errorf("expected at most 1 write in flight, saw %d", got)
	}
}

func TestManagerWrite_TimeoutHoldsSlot(t *testing.T) {
	repo := newSlowRepo(100 * time.Millisecond)
	manager := NewManager(repo, WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	if _, err := manager.Create(ctx, "dep"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := manager.Write(ctx, "dep", nil, ptr(0, "0x00"), domain.HealthHealthy)
	if !errors.Is(err, domain.ErrStoreTimeout) {
		t.Fatalf("expected ErrStoreTimeout, got %v", err)
	}

	// The first write is still running, so the slot is busy
	err = manager.Write(ctx, "dep", nil, ptr(0, "0x00"), domain.HealthHealthy)
	if !errors.Is(err, domain.ErrStoreTimeout) {
		t.Fatalf("expected busy slot timeout, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	// The timed out write committed in the background
	rec, err := repo.inner.Get(ctx, "dep")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Ptr == nil || rec.Ptr.Number != 0 {
		t.Errorf("expected committed pointer #0, got %v", rec.Ptr)
	}
	if got := repo.maxSeen.Load(); got != 1 {
		t.Errorf("expected at most 1 write in flight, saw %d", got)
	}
}

func TestManagerDeleteAndList(t *testing.T) {
	manager := NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, err := manager.Create(ctx, id); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if err := manager.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	recs, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 || recs[0].DeploymentID != "a" || recs[1].DeploymentID != "c" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(3)
	base := time.Now()

	mc.RecordBlock(1, base, false)
	mc.RecordBlock(2, base.Add(time.Second), false)
	mc.RecordBlock(1, base.Add(2*time.Second), true)
	mc.RecordBlock(2, base.Add(3*time.Second), false)
	mc.RecordBlock(3, base.Add(4*time.Second), false)

	m := mc.GetMetrics()
	if m.Writes != 5 {
		t.Errorf("expected 5 writes, got %d", m.Writes)
	}
	if m.Reverts != 1 || m.LastRevertAt == nil {
		t.Errorf("expected 1 revert with timestamp, got %d %v", m.Reverts, m.LastRevertAt)
	}
	// Window holds blocks 2, 2, 3 written at +1s, +3s, +4s
	if m.BlocksPerSecond != 2.0/3.0 {
		t.Errorf("expected %v blocks/s, got %v", 2.0/3.0, m.BlocksPerSecond)
	}

	mc.Reset()
	if got := mc.GetMetrics(); got.Writes != 0 || got.BlocksPerSecond != 0 {
		t.Errorf("expected empty metrics after reset, got %+v", got)
	}
}

func TestManagerMetrics(t *testing.T) {
	manager := NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
	ctx := context.Background()
	if _, err := manager.Create(ctx, "dep"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_ = manager.Write(ctx, "dep", nil, ptr(0, "0x00"), domain.HealthHealthy)
	_ = manager.Write(ctx, "dep", ptr(0, "0x00"), ptr(1, "0x01"), domain.HealthHealthy)
	_ = manager.Write(ctx, "dep", ptr(1, "0x01"), ptr(0, "0x00"), domain.HealthHealthy)
	// Health-only write does not count as a move
	_ = manager.Write(ctx, "dep", ptr(0, "0x00"), ptr(0, "0x00"), domain.HealthFailed)

	m := manager.GetMetrics("dep")
	if m.Writes != 3 {
		t.Errorf("expected 3 pointer moves, got %d", m.Writes)
	}
	if m.Reverts != 1 {
		t.Errorf("expected 1 revert, got %d", m.Reverts)
	}
}
