package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/testorigin"
)

func newTestLatencyProber(t *testing.T, origin *testorigin.Server, currentPhase func() PhaseKind, forceBackoff func(Direction, float64)) *LatencyProber {
	t.Helper()
	cfg := DefaultConfig(origin.URL)
	bus := NewBus(nil)
	return NewLatencyProber(cfg, bus, nil, zerolog.Nop(), currentPhase, forceBackoff)
}

func TestProbeOnceSuccessRecordsRTTAndResetsTimeouts(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	phase := PhaseBaseline
	p := newTestLatencyProber(t, origin, func() PhaseKind { return phase }, nil)
	p.consecutiveTimeouts.Store(2)

	client, err := newWorkerClient(probeTimeoutMax, "")
	require.NoError(t, err)
	defer client.CloseIdleConnections()

	p.probeOnce(context.Background(), client)

	assert.Equal(t, int32(0), p.consecutiveTimeouts.Load())
	assert.GreaterOrEqual(t, p.LatestRTTMillis(), 0.0)
}

func TestMaybeForceBackoffFiresAtThresholdDuringWarmup(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	var gotDir Direction
	var gotFactor float64
	var calls int
	p := newTestLatencyProber(t, origin, func() PhaseKind { return PhaseUploadWarmup }, func(dir Direction, factor float64) {
		calls++
		gotDir = dir
		gotFactor = factor
	})

	p.maybeForceBackoff(PhaseUploadWarmup, probeForceBackoffAt)

	assert.Equal(t, 1, calls)
	assert.Equal(t, DirectionUpload, gotDir)
	assert.Equal(t, 0.9, gotFactor)
	assert.Equal(t, int32(probeForceBackoffReset), p.consecutiveTimeouts.Load())
}

func TestMaybeForceBackoffIgnoresNonWarmupPhases(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	called := false
	p := newTestLatencyProber(t, origin, func() PhaseKind { return PhaseDownload }, func(Direction, float64) { called = true })

	p.maybeForceBackoff(PhaseDownload, probeForceBackoffAt)
	assert.False(t, called)
}

func TestMaybeForceBackoffBelowThresholdDoesNothing(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	called := false
	p := newTestLatencyProber(t, origin, func() PhaseKind { return PhaseDownloadWarmup }, func(Direction, float64) { called = true })

	p.maybeForceBackoff(PhaseDownloadWarmup, probeForceBackoffAt-1)
	assert.False(t, called)
}

// TestAdaptiveTimeoutScalesWithConsecutiveTimeouts documents the per-request
// timeout schedule: probeTimeoutMin plus one probeTimeoutStep per consecutive
// timeout, capped at probeTimeoutMax.
func TestAdaptiveTimeoutScalesWithConsecutiveTimeouts(t *testing.T) {
	cases := []struct {
		consecutive int32
		want        time.Duration
	}{
		{0, probeTimeoutMin},
		{5, probeTimeoutMin + 5*probeTimeoutStep},
		{50, probeTimeoutMax},
	}
	for _, c := range cases {
		timeout := probeTimeoutMin + time.Duration(c.consecutive)*probeTimeoutStep
		if timeout > probeTimeoutMax {
			timeout = probeTimeoutMax
		}
		assert.Equal(t, c.want, timeout)
	}
}

// TestSyntheticTimeoutDurationFormula documents the synthetic RTT recorded
// for a timed-out probe: 1000ms + 25ms per consecutive timeout, capped at 2s.
func TestSyntheticTimeoutDurationFormula(t *testing.T) {
	cases := []struct {
		n    int32
		want time.Duration
	}{
		{1, 1025 * time.Millisecond},
		{5, 1125 * time.Millisecond},
		{1000, 2 * time.Second},
	}
	for _, c := range cases {
		rtt := time.Duration(1000+int(c.n)*25) * time.Millisecond
		if rtt > 2*time.Second {
			rtt = 2 * time.Second
		}
		assert.Equal(t, c.want, rtt)
	}
}
