package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/testorigin"
)

func newTestPhaseController(t *testing.T, origin *testorigin.Server) (*PhaseController, *StreamManager) {
	t.Helper()
	cfg := DefaultConfig(origin.URL)
	cfg.Barrier = BarrierConfig{QuiescenceDelay: time.Millisecond, VerifyRounds: 5, VerifyBaseDelay: time.Millisecond}
	bus := NewBus(nil)
	log := zerolog.Nop()
	var current PhaseKind
	streams := NewStreamManager(cfg, bus, nil, log, func() PhaseKind { return current })
	barrier := NewPhaseBarrier(cfg.Barrier, streams, log)
	phases := NewPhaseController(bus, barrier, nil)
	return phases, streams
}

func TestStartPhaseRejectsOutOfOrderTransition(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()
	phases, _ := newTestPhaseController(t, origin)

	err := phases.StartPhase(PhaseDownload)
	require.Error(t, err)
	var transErr *InvalidTransitionError
	assert.True(t, errors.As(err, &transErr))
}

func TestStartPhaseFirstMustBeBaseline(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()
	phases, _ := newTestPhaseController(t, origin)

	require.NoError(t, phases.StartPhase(PhaseBaseline))
	assert.Equal(t, PhaseBaseline, phases.CurrentPhase())
}

func TestStartPhaseBarrierDrainsStreamsAcrossTransition(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()
	phases, streams := newTestPhaseController(t, origin)

	require.NoError(t, phases.StartPhase(PhaseBaseline))
	require.NoError(t, phases.StartPhase(PhaseDownloadWarmup))

	ctx := context.Background()
	streams.StartDownloadSaturation(ctx, true, ParameterSet{StreamCount: 2, PendingDepth: 1})
	require.Eventually(t, func() bool { return streams.ActiveCounts().Download == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, phases.StartPhase(PhaseDownload))
	// Per §8: at the instant phase:change(start) for the next phase is
	// observed, active_counts().total == 0 must hold.
	assert.Equal(t, 0, streams.ActiveCounts().Total)
}

// TestStartPhaseRoundTripEquivalentToEndThenStart verifies §8's round-trip
// law: start_phase(X); start_phase(Y) must leave the controller in the same
// observable state as end_phase(); start_phase(Y) — same completed-phase
// kinds in history (each with its End timestamp populated) and the same
// current phase.
func TestStartPhaseRoundTripEquivalentToEndThenStart(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	implicit, _ := newTestPhaseController(t, origin)
	require.NoError(t, implicit.StartPhase(PhaseBaseline))
	require.NoError(t, implicit.StartPhase(PhaseDownloadWarmup))

	explicit, _ := newTestPhaseController(t, origin)
	require.NoError(t, explicit.StartPhase(PhaseBaseline))
	explicit.EndPhase()
	require.NoError(t, explicit.StartPhase(PhaseDownloadWarmup))

	implicitHistory := implicit.PhaseHistory()
	explicitHistory := explicit.PhaseHistory()
	require.Len(t, implicitHistory, 1)
	require.Len(t, explicitHistory, 1)
	assert.Equal(t, explicitHistory[0].Kind, implicitHistory[0].Kind)
	assert.False(t, implicitHistory[0].End.IsZero())
	assert.False(t, explicitHistory[0].End.IsZero())

	assert.Equal(t, explicit.CurrentPhase(), implicit.CurrentPhase())
	assert.Equal(t, PhaseDownloadWarmup, implicit.CurrentPhase())
}

func TestPhaseHistoryRecordsCompletedPhases(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()
	phases, _ := newTestPhaseController(t, origin)

	require.NoError(t, phases.StartPhase(PhaseBaseline))
	require.NoError(t, phases.StartPhase(PhaseDownloadWarmup))

	history := phases.PhaseHistory()
	require.Len(t, history, 1)
	assert.Equal(t, PhaseBaseline, history[0].Kind)
	assert.False(t, history[0].End.IsZero())
}
