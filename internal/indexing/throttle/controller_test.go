package throttle

import (
	"testing"
	"time"
)

func TestComputeInterval(t *testing.T) {
	config := DefaultConfig()
	config.MinScanInterval = 500 * time.Millisecond
	config.MaxScanInterval = 60 * time.Second
	config.LagNormalThreshold = 5
	config.LagBurstThreshold = 50

	baseScanInterval := 12 * time.Second
	controller := NewAdaptiveController(baseScanInterval, config)

	tests := []struct {
		name     string
		lag      int64
		expected time.Duration
	}{
		{
			name:     "at chain head (lag=0)",
			lag:      0,
			expected: 12 * time.Second, // base interval
		},
		{
			name:     "slightly behind (lag=3)",
			lag:      3,
			expected: 6 * time.Second, // base / 2
		},
		{
			name:     "catching up (lag=20)",
			lag:      20,
			expected: 1 * time.Second, // min * 2
		},
		{
			name:     "far behind (lag=100)",
			lag:      100,
			expected: 500 * time.Millisecond, // min interval
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := controller.ComputeInterval(tt.lag)
			if result != tt.expected {
				t.Errorf("ComputeInterval(%d) = %v, want %v", tt.lag, result, tt.expected)
			}
			if controller.GetCurrentInterval() != tt.expected {
				t.Errorf("GetCurrentInterval() = %v, want %v", controller.GetCurrentInterval(), tt.expected)
			}
		})
	}
}

func TestComputeInterval_Bounds(t *testing.T) {
	config := DefaultConfig()
	config.MinScanInterval = 2 * time.Second
	config.MaxScanInterval = 5 * time.Second

	controller := NewAdaptiveController(12*time.Second, config)

	if got := controller.ComputeInterval(0); got != 5*time.Second {
		t.Errorf("expected max bound 5s, got %v", got)
	}
	if got := controller.ComputeInterval(3); got != 5*time.Second {
		t.Errorf("expected max bound 5s for base/2, got %v", got)
	}
	if got := controller.ComputeInterval(1000); got != 2*time.Second {
		t.Errorf("expected min bound 2s, got %v", got)
	}
}

func TestComputeInterval_Disabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false

	controller := NewAdaptiveController(12*time.Second, config)
	for _, lag := range []int64{0, 10, 1000} {
		if got := controller.ComputeInterval(lag); got != 12*time.Second {
			t.Errorf("disabled controller returned %v for lag %d", got, lag)
		}
	}
}
