package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const throughputEWMAAlpha = 0.3

// expectedDirections reports which directions a phase is meant to exercise,
// for the Throughput Monitor's out-of-phase tagging (§4.4).
func expectedDirections(k PhaseKind) (download, upload bool) {
	switch k {
	case PhaseDownloadWarmup, PhaseDownload:
		return true, false
	case PhaseUploadWarmup, PhaseUpload:
		return false, true
	case PhaseBidirectional:
		return true, true
	default:
		return false, false
	}
}

// ThroughputMonitor computes instantaneous per-direction throughput at a
// fixed cadence and tags each sample with the current phase, per §4.4.
// tick() runs exclusively on the goroutine Run is launched on, but
// smoothedDownload/smoothedUpload and downloadSeries/uploadSeries are also
// read from other goroutines (LatestParameters from the Session's own
// goroutine via runWarmup's measure closure, and DownloadSeries/UploadSeries
// from any external caller), so mu guards every field tick() mutates, the
// same way Bus guards its subscriber state.
type ThroughputMonitor struct {
	cfg     Config
	streams *StreamManager
	bus     *Bus
	log     zerolog.Logger
	met     *engineMetrics

	currentPhase func() PhaseKind

	lastDownloadBytes map[StreamID]int64
	lastUploadBytes   map[StreamID]int64

	mu               sync.RWMutex
	smoothedDownload float64
	smoothedUpload   float64

	downloadSeries []ThroughputSample
	uploadSeries   []ThroughputSample
}

func NewThroughputMonitor(cfg Config, streams *StreamManager, bus *Bus, met *engineMetrics, log zerolog.Logger, currentPhase func() PhaseKind) *ThroughputMonitor {
	return &ThroughputMonitor{
		cfg: cfg, streams: streams, bus: bus, met: met, log: log, currentPhase: currentPhase,
		lastDownloadBytes: make(map[StreamID]int64),
		lastUploadBytes:   make(map[StreamID]int64),
	}
}

// Run samples throughput every SamplingInterval until ctx is cancelled.
func (t *ThroughputMonitor) Run(ctx context.Context) {
	interval := t.cfg.SamplingInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(now, now.Sub(last))
			last = now
		}
	}
}

func (t *ThroughputMonitor) tick(now time.Time, elapsed time.Duration) {
	downloads, uploads := t.streams.snapshotStreams()
	phase := t.currentPhase()
	wantDownload, wantUpload := expectedDirections(phase)

	dlBytes, dlOut := t.sumDelta(downloads, t.lastDownloadBytes, !wantDownload)
	ulBytes, ulOut := t.sumDelta(uploads, t.lastUploadBytes, !wantUpload)

	secs := elapsed.Seconds()
	if secs <= 0 {
		return
	}

	dlMbps := float64(dlBytes) * 8 / 1_000_000 / secs
	ulMbps := float64(ulBytes) * 8 / 1_000_000 / secs

	t.mu.Lock()
	t.smoothedDownload = ewma(t.smoothedDownload, dlMbps, len(t.downloadSeries) == 0)
	t.smoothedUpload = ewma(t.smoothedUpload, ulMbps, len(t.uploadSeries) == 0)

	dlSample := ThroughputSample{Instant: now, Mbps: dlMbps, Smoothed: t.smoothedDownload, Phase: phase, Direction: DirectionDownload, OutOfPhase: dlOut}
	ulSample := ThroughputSample{Instant: now, Mbps: ulMbps, Smoothed: t.smoothedUpload, Phase: phase, Direction: DirectionUpload, OutOfPhase: ulOut}

	t.downloadSeries = append(t.downloadSeries, dlSample)
	t.uploadSeries = append(t.uploadSeries, ulSample)
	t.mu.Unlock()

	if t.met != nil {
		t.met.throughputMbps.WithLabelValues("download").Set(dlSample.Smoothed)
		t.met.throughputMbps.WithLabelValues("upload").Set(ulSample.Smoothed)
	}

	t.publish(EventThroughputDown, dlSample)
	t.publish(EventThroughputUp, ulSample)
}

// sumDelta sums each stream's byte delta since the last tick, evicting
// stale entries for streams no longer registered. outOfPhase indicates the
// caller should flag the sample if any delta was observed at all while
// "notExpected" holds for the direction given the current phase.
func (t *ThroughputMonitor) sumDelta(streams []*Stream, last map[StreamID]int64, notExpected bool) (int64, bool) {
	seen := make(map[StreamID]struct{}, len(streams))
	var total int64
	for _, s := range streams {
		seen[s.ID] = struct{}{}
		cur := s.BytesTransferred()
		prev := last[s.ID]
		delta := cur - prev
		if delta < 0 {
			delta = 0
		}
		last[s.ID] = cur
		total += delta
	}
	for id := range last {
		if _, ok := seen[id]; !ok {
			delete(last, id)
		}
	}
	return total, notExpected && total > 0
}

func ewma(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return throughputEWMAAlpha*sample + (1-throughputEWMAAlpha)*prev
}

func (t *ThroughputMonitor) publish(evType EventType, s ThroughputSample) {
	t.bus.Publish(Event{
		Type: evType,
		Fields: map[string]any{
			"value":        s.Mbps,
			"smoothed":     s.Smoothed,
			"time":         s.Instant,
			"phase":        s.Phase.String(),
			"isOutOfPhase": s.OutOfPhase,
			"sample":       s,
		},
	})
}

// DownloadSeries returns the full tagged download throughput series since
// session start.
func (t *ThroughputMonitor) DownloadSeries() []ThroughputSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ThroughputSample, len(t.downloadSeries))
	copy(out, t.downloadSeries)
	return out
}

// UploadSeries returns the full tagged upload throughput series since
// session start.
func (t *ThroughputMonitor) UploadSeries() []ThroughputSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ThroughputSample, len(t.uploadSeries))
	copy(out, t.uploadSeries)
	return out
}

// LatestParameters returns the raw Mbps of the most recent throughput
// sample for the given direction (latency is read separately from the
// Latency Prober). Discovery polls this on its stabilization cadence rather than
// subscribing to the bus directly, since it needs the *latest* value, not
// every intermediate one.
func (t *ThroughputMonitor) LatestParameters(dir Direction) (mbps float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if dir == DirectionDownload {
		if len(t.downloadSeries) == 0 {
			return 0, false
		}
		return t.downloadSeries[len(t.downloadSeries)-1].Mbps, true
	}
	if len(t.uploadSeries) == 0 {
		return 0, false
	}
	return t.uploadSeries[len(t.uploadSeries)-1].Mbps, true
}
