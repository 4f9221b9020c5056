// Package sizer picks chunk sizes for validation. The decision is a
// pure function of file size, rolling network statistics and the
// configured bounds; the statistics themselves are tracked here,
// fed by every chunk result.
package sizer

import (
	"sync"

	"github.com/rcrowley/go-metrics"
)

const (
	smallFileThreshold  = 10 * 1024 * 1024
	mediumFileThreshold = 100 * 1024 * 1024
	largeFileThreshold  = 1024 * 1024 * 1024

	slowNetworkThreshold = 1 * 1024 * 1024
	fastNetworkThreshold = 10 * 1024 * 1024

	lowFailureThreshold  = 0.01
	highFailureThreshold = 0.05
)

// Config is the subset of validation configuration the sizer reads.
type Config struct {
	DefaultChunkSize     int64
	MinChunkSize         int64
	MaxChunkSize         int64
	EnableAdaptiveSizing bool
}

// Stats is a point-in-time snapshot of network conditions.
type Stats struct {
	AvgSpeedBytesPerSec float64
	RecentFailures      int
	RecentSuccesses     int
	RecentFailureRate   float64
}

// Tracker accumulates rolling network statistics. Transfer speed is a
// one-minute exponentially weighted moving average over the bytes each
// hashed chunk represents; failure rate is over the current window of
// chunk results.
type Tracker struct {
	meter metrics.Meter

	mut       sync.Mutex
	failures  int
	successes int
}

func NewTracker() *Tracker {
	return &Tracker{meter: metrics.NewMeter()}
}

// RecordChunkResult feeds one chunk validation outcome and the bytes
// it covered.
func (t *Tracker) RecordChunkResult(success bool, bytes int64) {
	t.meter.Mark(bytes)
	t.mut.Lock()
	if success {
		t.successes++
	} else {
		t.failures++
	}
	t.mut.Unlock()
}

// Snapshot returns the current statistics.
func (t *Tracker) Snapshot() Stats {
	t.mut.Lock()
	defer t.mut.Unlock()
	s := Stats{
		AvgSpeedBytesPerSec: t.meter.Rate1(),
		RecentFailures:      t.failures,
		RecentSuccesses:     t.successes,
	}
	if total := t.failures + t.successes; total > 0 {
		s.RecentFailureRate = float64(t.failures) / float64(total)
	}
	return s
}

// Reset clears the failure window. The speed average decays on its
// own.
func (t *Tracker) Reset() {
	t.mut.Lock()
	t.failures, t.successes = 0, 0
	t.mut.Unlock()
}

// Stop releases the meter's ticker.
func (t *Tracker) Stop() {
	t.meter.Stop()
}

// Calculate returns the chunk size for a file under the given network
// conditions. The result is within the configured bounds and never
// exceeds the file size. Each applicable factor multiplies the default
// in order: file size, then speed, then failure rate.
func Calculate(cfg Config, fileSize int64, stats Stats) int64 {
	if !cfg.EnableAdaptiveSizing {
		return clamp(cfg, fileSize, cfg.DefaultChunkSize)
	}

	size := float64(cfg.DefaultChunkSize)

	switch {
	case fileSize < smallFileThreshold:
		size *= 0.25
	case fileSize < mediumFileThreshold:
		// Medium files use the default.
	case fileSize < largeFileThreshold:
		size *= 1.5
	default:
		size *= 2.0
	}

	speed := stats.AvgSpeedBytesPerSec
	switch {
	case speed > 0 && speed < slowNetworkThreshold:
		size *= 0.5
	case speed > fastNetworkThreshold:
		size *= 1.5
	}

	rate := stats.RecentFailureRate
	switch {
	case rate < lowFailureThreshold:
		size *= 1.25
	case rate > highFailureThreshold:
		reduction := 1 - rate
		if reduction > 0.5 {
			reduction = 0.5
		}
		size *= reduction
	}

	return clamp(cfg, fileSize, int64(size))
}

func clamp(cfg Config, fileSize, size int64) int64 {
	if size < cfg.MinChunkSize {
		size = cfg.MinChunkSize
	}
	if size > cfg.MaxChunkSize {
		size = cfg.MaxChunkSize
	}
	if fileSize > 0 && size > fileSize {
		size = fileSize
	}
	return size
}

// Strategy is the recommended validation approach for one file.
type Strategy struct {
	ChunkSize          int64
	ValidateAfterChunk bool
	ValidateAfterFile  bool
	EstimatedChunks    int64
}

// RecommendStrategy decides whether chunks should be validated inline
// as they land: yes under a high failure rate, for very large files,
// or on a slow network whose failure rate is non-trivial. The
// whole-file confirmation pass is always recommended.
func RecommendStrategy(cfg Config, fileSize int64, stats Stats) Strategy {
	chunkSize := Calculate(cfg, fileSize, stats)
	estimated := int64(0)
	if chunkSize > 0 {
		estimated = (fileSize + chunkSize - 1) / chunkSize
	}

	highFailure := stats.RecentFailureRate > highFailureThreshold
	// A zero speed (tracker not warmed up yet) counts as slow here,
	// unlike in Calculate, so early transfers with failures get inline
	// validation rather than waiting for the meter to move.
	slowNetwork := stats.AvgSpeedBytesPerSec < slowNetworkThreshold
	largeFile := fileSize > largeFileThreshold

	return Strategy{
		ChunkSize:          chunkSize,
		ValidateAfterChunk: highFailure || largeFile || (slowNetwork && stats.RecentFailureRate > lowFailureThreshold),
		ValidateAfterFile:  true,
		EstimatedChunks:    estimated,
	}
}
