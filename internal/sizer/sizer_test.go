package sizer

import "testing"

const MiB = 1024 * 1024

func testConfig() Config {
	return Config{
		DefaultChunkSize:     10 * MiB,
		MinChunkSize:         1 * MiB,
		MaxChunkSize:         100 * MiB,
		EnableAdaptiveSizing: true,
	}
}

func TestCalculateBounds(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		name     string
		fileSize int64
		stats    Stats
	}{
		{"tiny file", 100, Stats{}},
		{"small file", 5 * MiB, Stats{}},
		{"medium file", 50 * MiB, Stats{}},
		{"large file", 500 * MiB, Stats{}},
		{"huge file", 5 * 1024 * MiB, Stats{}},
		{"slow network", 50 * MiB, Stats{AvgSpeedBytesPerSec: 0.5 * MiB}},
		{"fast network", 50 * MiB, Stats{AvgSpeedBytesPerSec: 20 * MiB}},
		{"failing network", 50 * MiB, Stats{RecentFailureRate: 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(cfg, tc.fileSize, tc.stats)
			if got < cfg.MinChunkSize && got != tc.fileSize {
				t.Errorf("chunk %d below min %d", got, cfg.MinChunkSize)
			}
			if got > cfg.MaxChunkSize {
				t.Errorf("chunk %d above max %d", got, cfg.MaxChunkSize)
			}
			if got > tc.fileSize {
				t.Errorf("chunk %d exceeds file size %d", got, tc.fileSize)
			}
		})
	}
}

func TestCalculateFactors(t *testing.T) {
	cfg := testConfig()
	// No speed data, no failures: low-failure bonus applies.
	// 10 MiB default x 1.0 (medium) x 1.25 = 12.5 MiB.
	if got := Calculate(cfg, 50*MiB, Stats{}); got != int64(12.5*MiB) {
		t.Errorf("medium file = %d, want %d", got, int64(12.5*MiB))
	}
	// Small file: x0.25 then x1.25 = 3.125 MiB.
	if got := Calculate(cfg, 8*MiB, Stats{}); got != int64(3.125*MiB) {
		t.Errorf("small file = %d, want %d", got, int64(3.125*MiB))
	}
	// Large file: x1.5 then x1.25 = 18.75 MiB.
	if got := Calculate(cfg, 500*MiB, Stats{}); got != int64(18.75*MiB) {
		t.Errorf("large file = %d, want %d", got, int64(18.75*MiB))
	}
	// Huge file on a fast network: x2 x1.5 x1.25 = 37.5 MiB.
	stats := Stats{AvgSpeedBytesPerSec: 20 * MiB}
	if got := Calculate(cfg, 2048*MiB, stats); got != int64(37.5*MiB) {
		t.Errorf("huge fast = %d, want %d", got, int64(37.5*MiB))
	}
	// Slow, failing network: x1.0 x0.5 x0.5 = 2.5 MiB (50% failure
	// rate caps the reduction factor at 0.5).
	stats = Stats{AvgSpeedBytesPerSec: 0.5 * MiB, RecentFailureRate: 0.5}
	if got := Calculate(cfg, 50*MiB, stats); got != int64(2.5*MiB) {
		t.Errorf("slow failing = %d, want %d", got, int64(2.5*MiB))
	}
	// A 90% failure rate reduces by 1-rate, not the 0.5 cap:
	// x1.0 x0.1 = 1 MiB.
	stats = Stats{RecentFailureRate: 0.9}
	if got := Calculate(cfg, 50*MiB, stats); got != 1*MiB {
		t.Errorf("mostly failing = %d, want %d", got, 1*MiB)
	}
}

func TestCalculateAdaptiveDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAdaptiveSizing = false
	if got := Calculate(cfg, 5*1024*MiB, Stats{AvgSpeedBytesPerSec: 50 * MiB}); got != cfg.DefaultChunkSize {
		t.Errorf("got %d, want default %d", got, cfg.DefaultChunkSize)
	}
	// Still clamped to file size.
	if got := Calculate(cfg, 3*MiB, Stats{}); got != 3*MiB {
		t.Errorf("got %d, want file size", got)
	}
}

func TestRecommendStrategy(t *testing.T) {
	cfg := testConfig()

	s := RecommendStrategy(cfg, 50*MiB, Stats{})
	if s.ValidateAfterChunk {
		t.Error("inline validation recommended under good conditions")
	}
	if !s.ValidateAfterFile {
		t.Error("full-file confirmation must always be recommended")
	}
	if want := (50*MiB + s.ChunkSize - 1) / s.ChunkSize; s.EstimatedChunks != want {
		t.Errorf("estimated chunks = %d, want %d", s.EstimatedChunks, want)
	}

	if s := RecommendStrategy(cfg, 50*MiB, Stats{RecentFailureRate: 0.10}); !s.ValidateAfterChunk {
		t.Error("high failure rate should recommend inline validation")
	}
	if s := RecommendStrategy(cfg, 2*1024*MiB, Stats{}); !s.ValidateAfterChunk {
		t.Error("very large file should recommend inline validation")
	}
	slowDirty := Stats{AvgSpeedBytesPerSec: 0.5 * MiB, RecentFailureRate: 0.02}
	if s := RecommendStrategy(cfg, 50*MiB, slowDirty); !s.ValidateAfterChunk {
		t.Error("slow network with non-trivial failures should recommend inline validation")
	}
	slowClean := Stats{AvgSpeedBytesPerSec: 0.5 * MiB}
	if s := RecommendStrategy(cfg, 50*MiB, slowClean); s.ValidateAfterChunk {
		t.Error("slow but clean network should not recommend inline validation")
	}
	// A cold tracker reports zero speed; that counts as slow, so
	// non-trivial failures still trigger inline validation.
	coldDirty := Stats{RecentFailureRate: 0.02}
	if s := RecommendStrategy(cfg, 50*MiB, coldDirty); !s.ValidateAfterChunk {
		t.Error("cold tracker with failures should recommend inline validation")
	}
}

func TestTrackerFailureRate(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()

	for i := 0; i < 9; i++ {
		tr.RecordChunkResult(true, MiB)
	}
	tr.RecordChunkResult(false, MiB)

	s := tr.Snapshot()
	if s.RecentSuccesses != 9 || s.RecentFailures != 1 {
		t.Errorf("counts: %+v", s)
	}
	if s.RecentFailureRate != 0.1 {
		t.Errorf("rate = %f, want 0.1", s.RecentFailureRate)
	}

	tr.Reset()
	s = tr.Snapshot()
	if s.RecentFailures != 0 || s.RecentSuccesses != 0 || s.RecentFailureRate != 0 {
		t.Errorf("after reset: %+v", s)
	}
}
