package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Session owns exactly one measurement run end-to-end: it constructs the
// bus, metrics, Stream Manager, Phase Barrier, Phase Controller, Throughput
// Monitor and Latency Prober, drives the phase schedule, and assembles the
// SessionResult once Complete is reached. Per §3's ownership rules, Session
// is the only thing that holds a *ParameterDiscovery across phase
// boundaries — one instance per warmup, dropped at convergence.
type Session struct {
	id  string
	cfg Config
	log zerolog.Logger

	bus     *Bus
	met     *engineMetrics
	streams *StreamManager
	barrier *PhaseBarrier
	phases  *PhaseController
	monitor *ThroughputMonitor
	prober  *LatencyProber

	baselineLatencyMs float64

	downloadOptimal ParameterSet
	uploadOptimal   ParameterSet
	downloadTrials  []ParameterTrial
	uploadTrials    []ParameterTrial

	// activeDiscovery is set only while a warmup's control loop is running,
	// so the Latency Prober's force_backoff callback has somewhere to land;
	// it is nil the rest of the session's life.
	activeDiscovery *ParameterDiscovery
}

// NewSession constructs a session wired against cfg. w receives the
// session's structured logs (defaults to os.Stderr when nil).
func NewSession(cfg Config, w io.Writer) *Session {
	id := uuid.NewString()
	log := newLogger(id, w)
	met := newEngineMetrics()
	bus := NewBus(met)

	s := &Session{id: id, cfg: cfg, log: log, bus: bus, met: met}

	s.streams = NewStreamManager(cfg, bus, met, log, s.CurrentPhase)
	s.barrier = NewPhaseBarrier(cfg.Barrier, s.streams, log)
	s.phases = NewPhaseController(bus, s.barrier, met)
	s.monitor = NewThroughputMonitor(cfg, s.streams, bus, met, log, s.CurrentPhase)
	s.prober = NewLatencyProber(cfg, bus, met, log, s.CurrentPhase, s.forceBackoff)

	return s
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Bus exposes the session's event bus for external subscribers (a UI feed,
// a metrics scraper, a CLI progress printer).
func (s *Session) Bus() *Bus { return s.bus }

// Metrics exposes the session's private Prometheus registry.
func (s *Session) Metrics() *engineMetrics { return s.met }

// CurrentPhase reports the phase currently running, or PhaseComplete before
// the session starts or after it finishes.
func (s *Session) CurrentPhase() PhaseKind { return s.phases.CurrentPhase() }

// forceBackoff routes the Latency Prober's force_backoff signal to whichever
// ParameterDiscovery instance currently owns the live warmup, if any.
func (s *Session) forceBackoff(dir Direction, factor float64) {
	d := s.activeDiscovery
	if d == nil || d.dir != dir {
		return
	}
	d.ForceBackoff(factor)
}

// Run drives the full phase schedule to completion and returns the
// assembled result. It blocks until the Bidirectional phase's load duration
// elapses, or ctx is cancelled, in which case it returns ctx.Err() alongside
// whatever partial result had been assembled.
func (s *Session) Run(ctx context.Context) (SessionResult, error) {
	started := time.Now()

	if err := s.phases.StartPhase(PhaseBaseline); err != nil {
		return s.assembleResult(started), err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(groupCtx)
	group.Go(func() error { s.monitor.Run(monitorCtx); return nil })
	group.Go(func() error { s.prober.Run(monitorCtx); return nil })

	// Forward latency/throughput sample events into the Phase Controller's
	// per-phase recording, via the bus — keeps the Prober/Monitor decoupled
	// from phase bookkeeping, per §5.
	sub := s.bus.Subscribe(true)
	group.Go(func() error { s.recordSamples(monitorCtx, sub); return nil })

	// These three goroutines always return nil, so the errgroup serves to
	// wait for them: stopping and waiting here guarantees they've all exited
	// before Run returns, so the assembled result never races against an
	// in-flight sample write.
	defer func() {
		stopMonitor()
		_ = group.Wait()
		sub.Close()
	}()

	if err := s.runBaseline(ctx); err != nil {
		return s.assembleResult(started), err
	}

	if err := s.phases.StartPhase(PhaseDownloadWarmup); err != nil {
		return s.assembleResult(started), err
	}
	downloadDiscovery := NewParameterDiscovery(DirectionDownload, s.cfg.Download, s.baselineLatencyMs, s.met, s.log)
	s.activeDiscovery = downloadDiscovery
	s.downloadOptimal = s.runWarmup(ctx, downloadDiscovery, DirectionDownload)
	s.downloadTrials = downloadDiscovery.Trials()
	s.activeDiscovery = nil

	if err := s.phases.StartPhase(PhaseDownload); err != nil {
		return s.assembleResult(started), err
	}
	if err := s.runLoadPhase(ctx, func(lctx context.Context) {
		s.streams.StartDownloadSaturation(lctx, false, s.downloadOptimal)
	}); err != nil {
		return s.assembleResult(started), err
	}

	if err := s.phases.StartPhase(PhaseUploadWarmup); err != nil {
		return s.assembleResult(started), err
	}
	uploadDiscovery := NewParameterDiscovery(DirectionUpload, s.cfg.Upload, s.baselineLatencyMs, s.met, s.log)
	s.activeDiscovery = uploadDiscovery
	s.uploadOptimal = s.runWarmup(ctx, uploadDiscovery, DirectionUpload)
	s.uploadTrials = uploadDiscovery.Trials()
	s.activeDiscovery = nil

	if err := s.phases.StartPhase(PhaseUpload); err != nil {
		return s.assembleResult(started), err
	}
	if err := s.runLoadPhase(ctx, func(lctx context.Context) {
		s.streams.StartUploadSaturation(lctx, false, s.uploadOptimal)
	}); err != nil {
		return s.assembleResult(started), err
	}

	if err := s.phases.StartPhase(PhaseBidirectional); err != nil {
		return s.assembleResult(started), err
	}
	if err := s.runLoadPhase(ctx, func(lctx context.Context) {
		s.streams.StartBidirectionalSaturation(lctx, s.downloadOptimal, s.uploadOptimal)
	}); err != nil {
		return s.assembleResult(started), err
	}

	if err := s.phases.StartPhase(PhaseComplete); err != nil {
		return s.assembleResult(started), err
	}
	s.phases.EndPhase()

	return s.assembleResult(started), nil
}

// runBaseline holds the Baseline phase open for BaselineDuration, issuing no
// load, then computes the baseline RTT average from whatever latency
// samples the Prober recorded during it, per §4.1 and §4.3.
func (s *Session) runBaseline(ctx context.Context) error {
	if err := waitPhase(ctx, s.cfg.BaselineDuration); err != nil {
		return err
	}
	samples := s.phases.CurrentLatencies()
	if len(samples) == 0 {
		s.baselineLatencyMs = float64(s.prober.LatestRTTMillis())
		return nil
	}
	var sum float64
	for _, sample := range samples {
		sum += float64(sample.RTT) / float64(time.Millisecond)
	}
	s.baselineLatencyMs = sum / float64(len(samples))
	return nil
}

// runWarmup saturates the link at the discovery instance's current
// parameters and runs its control loop to convergence (or fallback), per
// §4.3. Load is (re)started each time the discovery loop applies a new
// parameter set, via the ApplyParams callback wired to the direction's
// saturation starter.
func (s *Session) runWarmup(ctx context.Context, d *ParameterDiscovery, dir Direction) ParameterSet {
	warmupCtx, cancel := context.WithTimeout(ctx, s.warmupMax())
	defer cancel()

	apply := func(p ParameterSet) {
		s.streams.TerminateAll()
		if dir == DirectionDownload {
			s.streams.StartDownloadSaturation(warmupCtx, true, p)
		} else {
			s.streams.StartUploadSaturation(warmupCtx, true, p)
		}
	}

	measure := func() (Measurement, bool) {
		mbps, ok := s.monitor.LatestParameters(dir)
		if !ok {
			return Measurement{}, false
		}
		return Measurement{Mbps: mbps, LatencyMs: s.prober.LatestRTTMillis()}, true
	}

	return d.Run(warmupCtx, s.cfg.WarmupMinDuration, apply, measure)
}

func (s *Session) warmupMax() time.Duration {
	if s.cfg.WarmupMaxDuration > 0 {
		return s.cfg.WarmupMaxDuration
	}
	return 60 * time.Second
}

// runLoadPhase starts fn (a saturation starter) under a context that expires
// after LoadPhaseDuration, then waits LoadPhaseDuration more from the moment
// fn returns. The streams' context is cancelled when runLoadPhase returns;
// the next StartPhase call's barrier then waits for them to drain.
func (s *Session) runLoadPhase(ctx context.Context, fn func(context.Context)) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadPhaseDuration)
	defer cancel()
	fn(loadCtx)
	return waitPhase(ctx, s.cfg.LoadPhaseDuration)
}

func waitPhase(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// recordSamples forwards latency/throughput events off the bus into the
// Phase Controller's per-phase recording until ctx is cancelled.
func (s *Session) recordSamples(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case EventLatency:
				if sample, ok := ev.Fields["sample"].(LatencySample); ok {
					s.phases.recordLatency(sample)
				}
			case EventThroughputDown, EventThroughputUp:
				if sample, ok := ev.Fields["sample"].(ThroughputSample); ok {
					s.phases.recordThroughput(sample)
				}
			}
		}
	}
}

// assembleResult builds the immutable, surfaced SessionResult from whatever
// phase history, trials and per-phase samples have accumulated so far. §1's
// explicit non-goal excludes any pass/fail grade — this is raw per-phase
// data only.
func (s *Session) assembleResult(started time.Time) SessionResult {
	history := s.phases.PhaseHistory()

	transitions := make([]PhaseTransition, 0, len(history)*2)
	latencyByPhase := make(map[PhaseKind][]LatencySample, len(history))
	downloadByPhase := make(map[PhaseKind][]ThroughputSample, len(history))
	uploadByPhase := make(map[PhaseKind][]ThroughputSample, len(history))

	for _, p := range history {
		transitions = append(transitions,
			PhaseTransition{Phase: p.Kind, Start: true, Timestamp: p.Start, Elapsed: 0},
			PhaseTransition{Phase: p.Kind, Start: false, Timestamp: p.End, Elapsed: p.End.Sub(p.Start)},
		)
		latencyByPhase[p.Kind] = p.Latencies
		for _, t := range p.Throughputs {
			if t.Direction == DirectionDownload {
				downloadByPhase[p.Kind] = append(downloadByPhase[p.Kind], t)
			} else {
				uploadByPhase[p.Kind] = append(uploadByPhase[p.Kind], t)
			}
		}
	}

	return SessionResult{
		SessionID:          s.id,
		Started:            started,
		Completed:          time.Now(),
		PhaseTransitions:   transitions,
		BaselineLatencyMs:  s.baselineLatencyMs,
		DownloadOptimal:    s.downloadOptimal,
		UploadOptimal:      s.uploadOptimal,
		DownloadTrials:     s.downloadTrials,
		UploadTrials:       s.uploadTrials,
		LatencyByPhase:     latencyByPhase,
		DownloadThroughput: downloadByPhase,
		UploadThroughput:   uploadByPhase,
	}
}

// String renders a short human-readable summary, useful for CLI output and
// logging; not part of the wire contract.
func (r SessionResult) String() string {
	return fmt.Sprintf(
		"session %s: baseline=%.1fms download=%+v upload=%+v phases=%d",
		r.SessionID, r.BaselineLatencyMs, r.DownloadOptimal, r.UploadOptimal, len(r.PhaseTransitions)/2,
	)
}
