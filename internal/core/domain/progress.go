package domain

import "time"

// Health is the externally visible state of a deployment.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthHealthy Health = "healthy"
	HealthFailed  Health = "failed"
)

// ParseHealth maps a stored value back to a Health.
func ParseHealth(s string) Health {
	switch h := Health(s); h {
	case HealthHealthy, HealthFailed:
		return h
	}
	return HealthUnknown
}

// ProgressRecord is how far a deployment has indexed and whether it is healthy.
type ProgressRecord struct {
	DeploymentID string
	Ptr          *BlockPtr // nil until the first block is applied
	Health       Health
	UpdatedAt    time.Time
}

// IsHealthy reports whether the recorded health is healthy.
func (r *ProgressRecord) IsHealthy() bool {
	return r.Health == HealthHealthy
}

// Clone returns a deep copy.
func (r *ProgressRecord) Clone() *ProgressRecord {
	c := *r
	if r.Ptr != nil {
		p := *r.Ptr
		c.Ptr = &p
	}
	return &c
}
