package progress

import (
	"time"
)

// blockRecord holds timing data for a committed pointer move.
type blockRecord struct {
	BlockNumber uint64
	WrittenAt   time.Time
}

// Metrics holds deployment throughput data.
type Metrics struct {
	BlocksPerSecond  float64
	AverageBlockTime time.Duration
	LastRevertAt     *time.Time
	Reverts          int
	Writes           int
}

// MetricsCollector tracks pointer moves over time.
type MetricsCollector struct {
	windowSize   int           // number of forward moves to track
	blockTimes   []blockRecord // ring buffer of forward moves
	lastRevertAt *time.Time
	reverts      int
	writes       int
}

// RecordBlock records a committed move to blockNumber. Reverts are counted but
// kept out of the throughput window.
func (mc *MetricsCollector) RecordBlock(blockNumber uint64, writtenAt time.Time, revert bool) {
	mc.writes++
	if revert {
		mc.reverts++
		at := writtenAt
		mc.lastRevertAt = &at
		return
	}

	record := blockRecord{
		BlockNumber: blockNumber,
		WrittenAt:   writtenAt,
	}

	if len(mc.blockTimes) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.blockTimes, mc.blockTimes[1:])
		mc.blockTimes[len(mc.blockTimes)-1] = record
	} else {
		mc.blockTimes = append(mc.blockTimes, record)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastRevertAt: mc.lastRevertAt,
		Reverts:      mc.reverts,
		Writes:       mc.writes,
	}

	if len(mc.blockTimes) >= 2 {
		first := mc.blockTimes[0]
		last := mc.blockTimes[len(mc.blockTimes)-1]
		duration := last.WrittenAt.Sub(first.WrittenAt)

		if duration > 0 {
			blockCount := float64(len(mc.blockTimes) - 1)
			m.BlocksPerSecond = blockCount / duration.Seconds()
			m.AverageBlockTime = time.Duration(float64(duration) / blockCount)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.blockTimes = mc.blockTimes[:0]
	mc.lastRevertAt = nil
	mc.reverts = 0
	mc.writes = 0
}
