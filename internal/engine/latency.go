package engine

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/httpx"
	"github.com/rs/zerolog"
)

const (
	probeInterval    = 100 * time.Millisecond
	probeTimeoutMin  = 1000 * time.Millisecond
	probeTimeoutMax  = 2000 * time.Millisecond
	probeTimeoutStep = 100 * time.Millisecond

	probeForceBackoffAt    = 5
	probeForceBackoffReset = 3
)

// LatencyProber issues independent, concurrent round-trip probes against
// GET /ping at a fixed cadence, per §4.5. It runs on its own goroutine and
// communicates only via the event bus and a forceBackoff callback — no
// shared mutable state crosses into the Stream Manager or Parameter
// Discovery directly, per §5.
type LatencyProber struct {
	cfg Config
	bus *Bus
	log zerolog.Logger
	met *engineMetrics

	currentPhase func() PhaseKind
	forceBackoff func(dir Direction, factor float64)

	consecutiveTimeouts atomic.Int32
	lastRTTMillis       atomic.Int64
}

// LatestRTTMillis returns the most recently observed round-trip time in
// milliseconds (including synthetic timeout durations), used by Parameter
// Discovery's measurement source to pair a throughput reading with a
// latency reading on its own stabilization cadence.
func (p *LatencyProber) LatestRTTMillis() float64 {
	return float64(p.lastRTTMillis.Load())
}

func NewLatencyProber(cfg Config, bus *Bus, met *engineMetrics, log zerolog.Logger, currentPhase func() PhaseKind, forceBackoff func(Direction, float64)) *LatencyProber {
	return &LatencyProber{cfg: cfg, bus: bus, met: met, log: log, currentPhase: currentPhase, forceBackoff: forceBackoff}
}

// Run probes until ctx is cancelled. Intended to be launched once, in its
// own goroutine, for the lifetime of the session.
func (p *LatencyProber) Run(ctx context.Context) {
	client, err := newWorkerClient(probeTimeoutMax, p.cfg.Interface)
	if err != nil {
		p.log.Error().Err(err).Msg("latency prober: client setup failed")
		return
	}
	defer client.CloseIdleConnections()

	interval := p.cfg.ProbeInterval
	if interval <= 0 {
		interval = probeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx, client)
		}
	}
}

func (p *LatencyProber) probeOnce(ctx context.Context, client *http.Client) {
	consecutive := p.consecutiveTimeouts.Load()
	timeout := probeTimeoutMin + time.Duration(consecutive)*probeTimeoutStep
	if timeout > probeTimeoutMax {
		timeout = probeTimeoutMax
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := httpx.PingURL(p.cfg.OriginBaseURL, time.Now().UnixNano())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	httpx.SetProbeHeaders(req)

	phase := p.currentPhase()
	start := time.Now()
	resp, err := client.Do(req)

	if err != nil {
		n := p.consecutiveTimeouts.Add(1)
		rtt := time.Duration(1000+int(n)*25) * time.Millisecond
		if rtt > 2*time.Second {
			rtt = 2 * time.Second
		}
		p.lastRTTMillis.Store(rtt.Milliseconds())
		sample := LatencySample{SendInstant: start, RTT: rtt, Timeout: true, Phase: phase}
		p.publishSample(sample, int(n))
		p.maybeForceBackoff(phase, n)
		return
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	rtt := elapsed
	if serverDur, ok := httpx.ServerTimingMillis(resp); ok {
		rtt -= serverDur
	}
	if rtt < 0 {
		rtt = 0
	}

	p.consecutiveTimeouts.Store(0)
	p.lastRTTMillis.Store(rtt.Milliseconds())
	sample := LatencySample{SendInstant: start, RTT: rtt, Timeout: false, Phase: phase}
	p.publishSample(sample, 0)
}

func (p *LatencyProber) publishSample(s LatencySample, consecutiveTimeouts int) {
	if p.met != nil {
		p.met.latencyMs.Observe(float64(s.RTT.Milliseconds()))
		if s.Timeout {
			p.met.latencyTimeouts.Inc()
		}
	}
	p.bus.Publish(Event{
		Type: EventLatency,
		Fields: map[string]any{
			"value":               s.RTT.Seconds() * 1000,
			"time":                s.SendInstant,
			"phase":               s.Phase.String(),
			"isTimeout":           s.Timeout,
			"consecutiveTimeouts": consecutiveTimeouts,
			"sample":              s,
		},
	})
}

// maybeForceBackoff implements §4.5's rule: after consecutive_timeouts >= 5
// during a warmup, emit a force_backoff to Parameter Discovery (factor 0.9
// upload, 0.5 download) and reset the counter to 3.
func (p *LatencyProber) maybeForceBackoff(phase PhaseKind, consecutive int32) {
	if consecutive < probeForceBackoffAt {
		return
	}
	var dir Direction
	switch phase {
	case PhaseDownloadWarmup:
		dir = DirectionDownload
	case PhaseUploadWarmup:
		dir = DirectionUpload
	default:
		return
	}
	factor := 0.5
	if dir == DirectionUpload {
		factor = 0.9
	}
	p.consecutiveTimeouts.Store(probeForceBackoffReset)
	if p.forceBackoff != nil {
		p.forceBackoff(dir, factor)
	}
}
