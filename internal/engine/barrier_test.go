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

func TestBarrierDrainsActiveStreamsBeforeReturning(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	cfg := DefaultConfig(origin.URL)
	cfg.Barrier = BarrierConfig{QuiescenceDelay: 10 * time.Millisecond, VerifyRounds: 10, VerifyBaseDelay: 5 * time.Millisecond}
	bus := NewBus(nil)
	log := zerolog.Nop()
	streams := NewStreamManager(cfg, bus, nil, log, func() PhaseKind { return PhaseDownload })
	barrier := NewPhaseBarrier(cfg.Barrier, streams, log)

	ctx := context.Background()
	streams.StartDownloadSaturation(ctx, false, ParameterSet{StreamCount: 4, PendingDepth: 1})
	require.Eventually(t, func() bool { return streams.ActiveCounts().Download == 4 }, time.Second, 10*time.Millisecond)

	barrier.Run()

	assert.Equal(t, 0, streams.ActiveCounts().Total)
}

func TestBarrierDrainsWithMinimalVerificationBudget(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	cfg := DefaultConfig(origin.URL)
	// A one-round, near-zero verification budget still finds the registry
	// drained: TerminateAll waits for every stream driver to exit before
	// verification begins.
	cfg.Barrier = BarrierConfig{QuiescenceDelay: 0, VerifyRounds: 1, VerifyBaseDelay: time.Nanosecond}
	bus := NewBus(nil)
	log := zerolog.Nop()
	streams := NewStreamManager(cfg, bus, nil, log, func() PhaseKind { return PhaseDownload })
	barrier := NewPhaseBarrier(cfg.Barrier, streams, log)

	ctx := context.Background()
	streams.spawnDownloadStream(ctx)

	barrier.Run()
	assert.Equal(t, 0, streams.ActiveCounts().Total)
}
