package throttle

import "time"

// AdaptiveConfig holds configuration for adaptive polling.
type AdaptiveConfig struct {
	// Enabled controls whether adaptive throttling is active
	Enabled bool `yaml:"enabled"`

	// Interval bounds
	MinScanInterval time.Duration `yaml:"min_scan_interval"` // Fastest polling rate (default: 500ms)
	MaxScanInterval time.Duration `yaml:"max_scan_interval"` // Slowest polling rate (default: 60s)

	// Head caching
	HeadCacheTTL time.Duration `yaml:"head_cache_ttl"` // How long to cache the source head (default: 3s)

	// Lag thresholds for interval adjustment
	LagNormalThreshold int64 `yaml:"lag_normal_threshold"` // Below this = normal interval (default: 5)
	LagBurstThreshold  int64 `yaml:"lag_burst_threshold"`  // Above this = max speed (default: 50)
}

// DefaultConfig returns sensible defaults for adaptive throttling.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:            true,
		MinScanInterval:    500 * time.Millisecond,
		MaxScanInterval:    60 * time.Second,
		HeadCacheTTL:       3 * time.Second,
		LagNormalThreshold: 5,
		LagBurstThreshold:  50,
	}
}
