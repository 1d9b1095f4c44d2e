package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
	"github.com/vietddude/blockindexer/internal/indexing/driver"
)

// HeadFetcher returns the latest block number of the chain.
type HeadFetcher interface {
	Head(ctx context.Context) (uint64, error)
}

// StatusSource lists the in-process driver statuses.
type StatusSource interface {
	Statuses() []driver.Status
}

// Thresholds classify deployment lag.
type Thresholds struct {
	DegradedLag uint64        // default: 10
	CriticalLag uint64        // default: 100
	CacheTTL    time.Duration // default: 10s
}

// Monitor aggregates health status from the progress store, the running
// drivers and the chain head.
type Monitor struct {
	progress   progress.Manager
	statuses   StatusSource
	heads      HeadFetcher
	thresholds Thresholds

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	manager progress.Manager,
	statuses StatusSource,
	heads HeadFetcher,
	thresholds Thresholds,
) *Monitor {
	if thresholds.DegradedLag == 0 {
		thresholds.DegradedLag = 10
	}
	if thresholds.CriticalLag == 0 {
		thresholds.CriticalLag = 100
	}
	if thresholds.CacheTTL == 0 {
		thresholds.CacheTTL = 10 * time.Second
	}
	return &Monitor{
		progress:   manager,
		statuses:   statuses,
		heads:      heads,
		thresholds: thresholds,
	}
}

// CheckHealth reports on every deployment with a progress record or a driver.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming the store and RPC
	if m.lastReport != nil && time.Since(m.lastCheck) < m.thresholds.CacheTTL {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Deployments:  make(map[string]DeploymentHealth),
	}

	var head *uint64
	if m.heads != nil {
		if h, err := m.heads.Head(ctx); err == nil {
			head = &h
		} else {
			report.SystemStatus = StatusDegraded
		}
	}
	report.Head = head

	records, err := m.progress.List(ctx)
	if err != nil {
		report.SystemStatus = StatusDegraded
	}
	for _, rec := range records {
		report.Deployments[rec.DeploymentID] = DeploymentHealth{
			DeploymentID: rec.DeploymentID,
			StoreHealth:  rec.Health,
			Ptr:          rec.Ptr,
		}
	}

	if m.statuses != nil {
		for _, s := range m.statuses.Statuses() {
			h, ok := report.Deployments[s.DeploymentID]
			if !ok {
				h = DeploymentHealth{DeploymentID: s.DeploymentID, StoreHealth: s.Health, Ptr: s.Ptr}
			}
			h.State = s.State
			h.ErrorKind = s.ErrorKind
			h.LastError = s.LastError
			report.Deployments[s.DeploymentID] = h
		}
	}

	for id, h := range report.Deployments {
		h.BlockLag = lag(head, h.Ptr)
		h.Status = m.classify(h)
		report.Deployments[id] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) classify(h DeploymentHealth) SystemStatus {
	if h.StoreHealth == domain.HealthFailed || h.State == driver.StateFailed {
		return StatusCritical
	}
	if h.State == driver.StateStopped {
		// Stopped on request or at its stop block
		return StatusHealthy
	}
	switch {
	case h.BlockLag > m.thresholds.CriticalLag:
		return StatusCritical
	case h.BlockLag > m.thresholds.DegradedLag:
		return StatusDegraded
	}
	return StatusHealthy
}

func lag(head *uint64, ptr *domain.BlockPtr) uint64 {
	if head == nil {
		return 0
	}
	if ptr == nil {
		return *head + 1
	}
	if ptr.Number >= *head {
		return 0
	}
	return *head - ptr.Number
}
