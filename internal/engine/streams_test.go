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

func newTestStreamManager(t *testing.T, origin *testorigin.Server) *StreamManager {
	t.Helper()
	cfg := DefaultConfig(origin.URL)
	bus := NewBus(nil)
	phase := PhaseDownload
	return NewStreamManager(cfg, bus, nil, zerolog.Nop(), func() PhaseKind { return phase })
}

func TestStreamIDsMonotonicAndNeverReused(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	m := newTestStreamManager(t, origin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id1 := m.spawnDownloadStream(ctx)
	id2 := m.spawnDownloadStream(ctx)
	assert.Less(t, id1, id2)

	m.TerminateAll()

	id3 := m.spawnDownloadStream(ctx)
	assert.Less(t, id2, id3)
	m.TerminateAll()
}

func TestTerminateAllDrainsRegistry(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	m := newTestStreamManager(t, origin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, false, ParameterSet{StreamCount: 3, PendingDepth: 1})
	require.Eventually(t, func() bool {
		return m.ActiveCounts().Download == 3
	}, time.Second, 10*time.Millisecond)

	m.TerminateAll()
	assert.Equal(t, 0, m.ActiveCounts().Total)
}

func TestTerminateAllIsIdempotent(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	m := newTestStreamManager(t, origin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, false, ParameterSet{StreamCount: 2, PendingDepth: 1})
	require.Eventually(t, func() bool {
		return m.ActiveCounts().Download == 2
	}, time.Second, 10*time.Millisecond)

	m.TerminateAll()
	assert.Equal(t, 0, m.ActiveCounts().Total)

	// A second invocation with nothing left registered must be a no-op,
	// not an error or a panic.
	assert.NotPanics(t, func() { m.TerminateAll() })
	assert.Equal(t, 0, m.ActiveCounts().Total)
}

func TestResetRegistryClearsLeakedStreams(t *testing.T) {
	origin := testorigin.New()
	defer origin.Close()

	m := newTestStreamManager(t, origin)
	ctx := context.Background()
	m.spawnDownloadStream(ctx)
	m.spawnUploadStream(ctx, false, 1)

	assert.Equal(t, 2, m.ActiveCounts().Total)
	m.ResetRegistry()
	assert.Equal(t, 0, m.ActiveCounts().Total)
}
