package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ActiveCounts reports the live stream count per direction and overall.
type ActiveCounts struct {
	Download int
	Upload   int
	Total    int
}

// StreamManager creates, tracks and forcibly terminates concurrent load
// streams, and accounts bytes per stream. Two maps keyed by StreamID — one
// per direction — back the registry; IDs are monotonic and never reused,
// per §4.2's data model. The registry is mutated both from the Session's
// phase-driving goroutine (spawn, ResetRegistry) and from the stream
// drivers' own goroutines (finishStream removes a stream when its driver
// exits), so a mutex guards the maps. Stream.active is an atomic.Bool for
// the same reason — it's
// written by a stream driver's goroutine in finishStream and read by
// TerminateStream without either side holding mu.
type StreamManager struct {
	cfg Config
	bus *Bus
	log zerolog.Logger
	met *engineMetrics

	currentPhase func() PhaseKind

	mu        sync.Mutex
	downloads map[StreamID]*Stream
	uploads   map[StreamID]*Stream

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewStreamManager constructs a StreamManager bound to the given origin
// config and event bus. currentPhase lets stream lifecycle events, and the
// Throughput Monitor's out-of-phase detection, tag activity with whichever
// phase is live when a byte is credited.
func NewStreamManager(cfg Config, bus *Bus, met *engineMetrics, log zerolog.Logger, currentPhase func() PhaseKind) *StreamManager {
	return &StreamManager{
		cfg:          cfg,
		bus:          bus,
		met:          met,
		log:          log,
		currentPhase: currentPhase,
		downloads:    make(map[StreamID]*Stream),
		uploads:      make(map[StreamID]*Stream),
	}
}

// StartDownloadSaturation spawns params.StreamCount download streams with a
// 100ms inter-spawn delay, per §4.2.
func (m *StreamManager) StartDownloadSaturation(ctx context.Context, isWarmup bool, params ParameterSet) {
	for i := 0; i < params.StreamCount; i++ {
		m.spawnDownloadStream(ctx)
		if i < params.StreamCount-1 {
			sleepOrDone(ctx, 100*time.Millisecond)
		}
	}
}

// StartUploadSaturation spawns params.StreamCount upload streams, each with
// its own freshly filled buffer queue and an in-flight depth capped at
// params.PendingDepth, with a 100ms inter-spawn delay.
func (m *StreamManager) StartUploadSaturation(ctx context.Context, isWarmup bool, params ParameterSet) {
	for i := 0; i < params.StreamCount; i++ {
		m.spawnUploadStream(ctx, isWarmup, params.PendingDepth)
		if i < params.StreamCount-1 {
			sleepOrDone(ctx, 100*time.Millisecond)
		}
	}
}

// StartBidirectionalSaturation invokes both saturations with a 200ms gap
// between them, per §4.2.
func (m *StreamManager) StartBidirectionalSaturation(ctx context.Context, downloadParams, uploadParams ParameterSet) {
	m.StartDownloadSaturation(ctx, false, downloadParams)
	sleepOrDone(ctx, 200*time.Millisecond)
	m.StartUploadSaturation(ctx, false, uploadParams)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (m *StreamManager) spawnDownloadStream(ctx context.Context) StreamID {
	sctx, cancel := context.WithCancel(ctx)
	id := StreamID(m.nextID.Add(1))
	s := &Stream{
		ID: id, Direction: DirectionDownload, Created: time.Now(),
		Phase: m.currentPhase(), cancel: cancel, bytes: &counter{},
	}
	s.active.Store(true)
	m.mu.Lock()
	m.downloads[id] = s
	m.mu.Unlock()

	m.emitLifecycle(s, "created")
	if m.met != nil {
		m.met.streamsActive.WithLabelValues("download").Inc()
		m.met.streamsCreated.WithLabelValues("download").Inc()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runDownloadStream(sctx, s, 0)
	}()
	return id
}

func (m *StreamManager) spawnUploadStream(ctx context.Context, isWarmup bool, pendingDepth int) StreamID {
	sctx, cancel := context.WithCancel(ctx)
	id := StreamID(m.nextID.Add(1))
	s := &Stream{
		ID: id, Direction: DirectionUpload, Created: time.Now(),
		Phase: m.currentPhase(), cancel: cancel, bytes: &counter{},
	}
	s.active.Store(true)
	m.mu.Lock()
	m.uploads[id] = s
	m.mu.Unlock()

	m.emitLifecycle(s, "created")
	if m.met != nil {
		m.met.streamsActive.WithLabelValues("upload").Inc()
		m.met.streamsCreated.WithLabelValues("upload").Inc()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runUploadStream(sctx, s, isWarmup, pendingDepth)
	}()
	return id
}

// finishStream is invoked exactly once by a stream driver's goroutine on
// every exit path (cancellation, body end, transport error) to release its
// resources unconditionally, per the spec's "scoped resources" design note.
func (m *StreamManager) finishStream(s *Stream) {
	m.mu.Lock()
	reg := m.downloads
	if s.Direction == DirectionUpload {
		reg = m.uploads
	}
	_, stillRegistered := reg[s.ID]
	delete(reg, s.ID)
	m.mu.Unlock()

	if !stillRegistered {
		return
	}
	s.active.Store(false)
	if m.met != nil {
		dir := "download"
		if s.Direction == DirectionUpload {
			dir = "upload"
		}
		m.met.streamsActive.WithLabelValues(dir).Dec()
		m.met.streamsTerminated.WithLabelValues(dir).Inc()
	}
	m.emitLifecycle(s, "terminated")
}

// TerminateStream cancels the stream's context, which aborts its request and
// reader; the stream's driver goroutine then marks it inactive, removes it
// from the registry and emits the terminated event (finishStream), so the
// removal completes after this call returns. Idempotent: terminating an
// already-inactive or unknown stream is a no-op, and no error is ever
// propagated to the caller, per §5's cancellation guarantees.
func (m *StreamManager) TerminateStream(id StreamID, dir Direction) {
	m.mu.Lock()
	reg := m.downloads
	if dir == DirectionUpload {
		reg = m.uploads
	}
	s, ok := reg[id]
	m.mu.Unlock()
	if !ok || !s.active.Load() {
		return
	}
	s.cancel()
}

// TerminateAll terminates every registered stream and waits for their
// driver goroutines to exit, then verifies the registry drained; if not, it
// force-resets it. Idempotent per §8's round-trip law.
func (m *StreamManager) TerminateAll() {
	m.mu.Lock()
	ids := make([]StreamID, 0, len(m.downloads)+len(m.uploads))
	streams := make([]*Stream, 0, len(m.downloads)+len(m.uploads))
	for _, s := range m.downloads {
		streams = append(streams, s)
	}
	for _, s := range m.uploads {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.cancel()
		ids = append(ids, s.ID)
	}
	_ = ids

	m.wg.Wait()

	if counts := m.ActiveCounts(); counts.Total > 0 {
		m.ResetRegistry()
	}
}

// ResetRegistry cancels every registered stream and forcibly clears the
// registry without waiting on driver goroutines — the "emergency registry
// reset" of §4.1's barrier semantics.
// Used when verification polling fails to observe a drained registry.
func (m *StreamManager) ResetRegistry() {
	m.mu.Lock()
	leaked := len(m.downloads) + len(m.uploads)
	for _, s := range m.downloads {
		s.active.Store(false)
		s.cancel()
	}
	for _, s := range m.uploads {
		s.active.Store(false)
		s.cancel()
	}
	m.downloads = make(map[StreamID]*Stream)
	m.uploads = make(map[StreamID]*Stream)
	m.mu.Unlock()

	if leaked > 0 {
		m.log.Warn().Int("leaked_streams", leaked).Msg("emergency registry reset")
		if m.met != nil {
			m.met.barrierResets.Inc()
			m.met.streamsActive.WithLabelValues("download").Set(0)
			m.met.streamsActive.WithLabelValues("upload").Set(0)
		}
		m.bus.Publish(Event{Type: EventStreamReset, Fields: map[string]any{"timestamp": time.Now()}})
	}
}

// ActiveCounts returns the current registry population.
func (m *StreamManager) ActiveCounts() ActiveCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, u := len(m.downloads), len(m.uploads)
	return ActiveCounts{Download: d, Upload: u, Total: d + u}
}

// snapshotStreams returns a defensive copy of all currently-registered
// streams, used by the Throughput Monitor to sum per-stream deltas without
// holding the registry lock during the (possibly slow) sampling work.
func (m *StreamManager) snapshotStreams() (downloads, uploads []*Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	downloads = make([]*Stream, 0, len(m.downloads))
	for _, s := range m.downloads {
		downloads = append(downloads, s)
	}
	uploads = make([]*Stream, 0, len(m.uploads))
	for _, s := range m.uploads {
		uploads = append(uploads, s)
	}
	return
}

func (m *StreamManager) emitLifecycle(s *Stream, kind string) {
	m.bus.Publish(Event{
		Type: EventStreamLifecycle,
		Fields: map[string]any{
			"type":      kind,
			"streamId":  s.ID,
			"direction": s.Direction.String(),
			"timestamp": time.Now(),
		},
	})
}
