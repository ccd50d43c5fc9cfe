package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/testorigin"
)

// fastTestConfig compresses every phase duration so a full Run exercises the
// real phase schedule end-to-end in well under a second, against the
// in-process test origin.
func fastTestConfig(originURL string) Config {
	cfg := DefaultConfig(originURL)
	cfg.BaselineDuration = 30 * time.Millisecond
	cfg.WarmupMinDuration = 20 * time.Millisecond
	cfg.WarmupMaxDuration = 100 * time.Millisecond
	cfg.LoadPhaseDuration = 30 * time.Millisecond
	cfg.SamplingInterval = 5 * time.Millisecond
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.Download.StabilizationDelay = 5 * time.Millisecond
	cfg.Download.StableThreshold = 2
	cfg.Upload.StabilizationDelay = 5 * time.Millisecond
	cfg.Upload.StableThreshold = 2
	cfg.Barrier = BarrierConfig{QuiescenceDelay: 5 * time.Millisecond, VerifyRounds: 10, VerifyBaseDelay: 5 * time.Millisecond}
	return cfg
}

func TestSessionRunDrivesFullPhaseScheduleInOrder(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	s := NewSession(fastTestConfig(origin.URL), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.Run(ctx)
	require.NoError(t, err)

	wantOrder := []PhaseKind{
		PhaseBaseline, PhaseDownloadWarmup, PhaseDownload,
		PhaseUploadWarmup, PhaseUpload, PhaseBidirectional, PhaseComplete,
	}
	var gotStarts []PhaseKind
	for _, tr := range result.PhaseTransitions {
		if tr.Start {
			gotStarts = append(gotStarts, tr.Phase)
		}
	}
	assert.Equal(t, wantOrder, gotStarts)
	assert.Equal(t, s.ID(), result.SessionID)
	assert.Greater(t, result.BaselineLatencyMs, 0.0)
}

func TestSessionResultCarriesParameterTrialsAndThroughput(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	s := NewSession(fastTestConfig(origin.URL), io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.Run(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, result.DownloadTrials)
	assert.NotEmpty(t, result.UploadTrials)
	assert.GreaterOrEqual(t, result.DownloadOptimal.StreamCount, 1)
	assert.GreaterOrEqual(t, result.UploadOptimal.PendingDepth, 1)
	assert.NotEmpty(t, result.DownloadThroughput[PhaseDownload])
}

// TestSessionBarrierInvariantHoldsAcrossTransitions drives a session and
// confirms that by the time it returns, the stream registry is fully
// drained — the invariant the Phase Barrier enforces at every transition.
func TestSessionBarrierInvariantHoldsAcrossTransitions(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	s := NewSession(fastTestConfig(origin.URL), io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, s.streams.ActiveCounts().Total)
}
