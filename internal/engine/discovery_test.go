package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxStreams: 24, MaxDepth: 3,
		SoftThresholdMin: 100, SoftThresholdK: 0,
		HardCapK: 0, HardCapMin: 1000, HardCapMax: 1000,
		StabilizationDelay: time.Millisecond, StableThreshold: 3,
		ScoreWeightThroughput: 0.5, ScoreWeightLatency: 0.5,
		FallbackParams: ParameterSet{StreamCount: 3, PendingDepth: 1},
	}
}

// TestSelectOptimalPicksCausalTrial reproduces the worked example: trials
// (1,1)->50Mbps/25ms, (2,1)->95/30ms, (3,1)->180/35ms, (4,1)->190/120ms with
// T=100ms. The highest-scoring trial is (3,1) (the 120ms sample's latency
// term collapses to zero), so selectOptimal must return the params of the
// trial immediately before it: (2,1).
func TestSelectOptimalPicksCausalTrial(t *testing.T) {
	d := NewParameterDiscovery(DirectionDownload, testDiscoveryConfig(), 0, nil, zerolog.Nop())

	d.trials = []ParameterTrial{
		{Params: ParameterSet{StreamCount: 1, PendingDepth: 1}, Mbps: 50, LatencyMs: 25},
		{Params: ParameterSet{StreamCount: 2, PendingDepth: 1}, Mbps: 95, LatencyMs: 30},
		{Params: ParameterSet{StreamCount: 3, PendingDepth: 1}, Mbps: 180, LatencyMs: 35},
		{Params: ParameterSet{StreamCount: 4, PendingDepth: 1}, Mbps: 190, LatencyMs: 120},
	}

	got := d.selectOptimal()
	assert.Equal(t, ParameterSet{StreamCount: 2, PendingDepth: 1}, got)
	assert.True(t, d.trials[2].IsOptimalOutcome)
	assert.True(t, d.trials[1].CausedOptimalOutcome)
}

func TestSelectOptimalReturnsFirstTrialWhenItIsBest(t *testing.T) {
	d := NewParameterDiscovery(DirectionDownload, testDiscoveryConfig(), 0, nil, zerolog.Nop())
	d.trials = []ParameterTrial{
		{Params: ParameterSet{StreamCount: 1, PendingDepth: 1}, Mbps: 100, LatencyMs: 5},
		{Params: ParameterSet{StreamCount: 2, PendingDepth: 1}, Mbps: 10, LatencyMs: 90},
	}

	got := d.selectOptimal()
	assert.Equal(t, ParameterSet{StreamCount: 1, PendingDepth: 1}, got)
	assert.True(t, d.trials[0].IsOptimalOutcome)
}

// TestSoftThresholdAndHardCapBoundary checks the documented boundary
// example: a 20ms baseline yields a download soft threshold of 75ms and a
// hard cap of 150ms.
func TestSoftThresholdAndHardCapBoundary(t *testing.T) {
	cfg := DefaultConfig("http://origin.invalid").Download
	assert.Equal(t, 75.0, cfg.softThreshold(20))
	assert.Equal(t, 150.0, cfg.hardCap(20))
}

func TestForceBackoffSupersedesPendingReramp(t *testing.T) {
	d := NewParameterDiscovery(DirectionDownload, testDiscoveryConfig(), 0, nil, zerolog.Nop())
	d.current = ParameterSet{StreamCount: 8, PendingDepth: 1}

	d.ForceBackoff(0.5)
	first := d.reramp
	assert.Less(t, d.current.StreamCount, 8)

	// A second forced backoff before the first re-ramp fires must stop and
	// replace the pending timer rather than let both fire.
	d.ForceBackoff(0.5)
	assert.NotSame(t, first, d.reramp)
}

func TestAutoReRampResetsStability(t *testing.T) {
	d := NewParameterDiscovery(DirectionDownload, testDiscoveryConfig(), 0, nil, zerolog.Nop())
	d.current = ParameterSet{StreamCount: 2, PendingDepth: 1}
	d.consecutiveStable = 5
	d.goodSamplesAtCur = 1

	d.autoReramp()

	assert.Equal(t, 3, d.current.StreamCount)
	assert.Equal(t, 0, d.consecutiveStable)
	assert.Equal(t, 0, d.goodSamplesAtCur)
}

func TestRunFallsBackOnContextCancellation(t *testing.T) {
	cfg := testDiscoveryConfig()
	cfg.StabilizationDelay = 50 * time.Millisecond
	d := NewParameterDiscovery(DirectionDownload, cfg, 0, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	got := d.Run(ctx, time.Minute, func(ParameterSet) {}, func() (Measurement, bool) { return Measurement{}, false })
	assert.Equal(t, cfg.FallbackParams.clampedCopy(), got)
}
