// Package health provides system health monitoring and status reporting.
package health

import (
	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/indexing/driver"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DeploymentHealth contains health metrics for a single deployment.
type DeploymentHealth struct {
	DeploymentID string           `json:"deployment_id"`
	Status       SystemStatus     `json:"status"`
	State        driver.State     `json:"state,omitempty"`
	StoreHealth  domain.Health    `json:"store_health"`
	Ptr          *domain.BlockPtr `json:"ptr,omitempty"`
	BlockLag     uint64           `json:"block_lag"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Head         *uint64                     `json:"head,omitempty"`
	Deployments  map[string]DeploymentHealth `json:"deployments"`
}

// worst returns the more severe of a and b.
func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
