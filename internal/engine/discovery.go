package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Measurement is one combined throughput/latency observation Parameter
// Discovery consumes from the Throughput Monitor and Latency Prober.
type Measurement struct {
	Mbps      float64
	LatencyMs float64
}

// MeasurementSource supplies the next combined measurement for the
// direction a ParameterDiscovery instance is exploring.
type MeasurementSource func() (Measurement, bool)

// ApplyParams pushes a newly chosen ParameterSet down to the Stream
// Manager — restarting saturation at the new stream count/depth.
type ApplyParams func(ParameterSet)

// ParameterDiscovery explores the (stream_count, pending_depth) space
// during one warmup and selects the parameters that maximize a combined
// throughput/latency score under a latency cap, per §4.3. One instance is
// created per warmup and dropped at convergence — it exclusively owns its
// trial history for that warmup's lifetime (§3 Ownership).
type ParameterDiscovery struct {
	dir        Direction
	cfg        DiscoveryConfig
	baselineMs float64
	met        *engineMetrics
	log        zerolog.Logger

	softThreshold float64
	hardCap       float64

	mu      sync.Mutex
	current ParameterSet
	trials  []ParameterTrial

	highLatencyCount  int
	goodSamplesAtCur  int
	consecutiveStable int

	reramp *time.Timer
}

// NewParameterDiscovery constructs a discovery instance for one direction,
// computing T and H from the session's baseline latency per §4.3.
func NewParameterDiscovery(dir Direction, cfg DiscoveryConfig, baselineLatencyMs float64, met *engineMetrics, log zerolog.Logger) *ParameterDiscovery {
	return &ParameterDiscovery{
		dir:           dir,
		cfg:           cfg,
		baselineMs:    baselineLatencyMs,
		met:           met,
		log:           log,
		softThreshold: cfg.softThreshold(baselineLatencyMs),
		hardCap:       cfg.hardCap(baselineLatencyMs),
		current: ParameterSet{StreamCount: 1, PendingDepth: 1},
	}
}

// Run applies the starting parameters and consumes one measurement per
// stabilization tick. It converges (§4.3 point 5) and returns
// selectOptimal's choice once consecutiveStable reaches the stable
// threshold and at least minDuration has elapsed since Run began. If ctx
// ends first (the caller's maximum-duration deadline, or cancellation), it
// treats discovery as failed to converge, per §7, logs a warning and
// returns FallbackParams.
func (d *ParameterDiscovery) Run(ctx context.Context, minDuration time.Duration, apply ApplyParams, measure MeasurementSource) ParameterSet {
	start := time.Now()
	apply(d.current)

	delay := d.cfg.StabilizationDelay
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	stableThreshold := d.cfg.StableThreshold
	if stableThreshold <= 0 {
		stableThreshold = 3
	}

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	lastApplied := d.CurrentParams()

	for {
		select {
		case <-ctx.Done():
			d.log.Warn().Str("direction", d.dir.String()).Msg("parameter discovery did not converge before deadline; using fallback")
			return d.cfg.FallbackParams.clampedCopy()
		case <-ticker.C:
		}

		m, ok := measure()
		if !ok {
			continue
		}

		d.observe(m)

		// Re-apply if either the synchronous observe() above, or an
		// asynchronous auto re-ramp timer (ForceBackoff/autoReramp), moved
		// the current parameter set since the last apply.
		if nowParams := d.CurrentParams(); nowParams != lastApplied {
			apply(nowParams)
			lastApplied = nowParams
		}

		elapsed := time.Since(start)
		d.mu.Lock()
		stable := d.consecutiveStable >= stableThreshold
		d.mu.Unlock()

		if stable && elapsed >= minDuration {
			return d.selectOptimal()
		}
	}
}

// observe folds one measurement into the control loop state (§4.3 points
// 3-5) and reports whether the current parameter set changed.
func (d *ParameterDiscovery) observe(m Measurement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.trials = append(d.trials, ParameterTrial{Params: d.current, Mbps: m.Mbps, LatencyMs: m.LatencyMs, Instant: time.Now()})

	changed := false
	if m.LatencyMs > d.softThreshold {
		d.highLatencyCount++
		if m.LatencyMs > d.hardCap || d.highLatencyCount >= 3 {
			next := d.backoffOne(d.current)
			if next != d.current {
				d.current = next
				changed = true
				if d.met != nil {
					d.met.discoveryBackoffs.WithLabelValues(d.dir.String(), "latency").Inc()
				}
			}
			d.highLatencyCount = 2
		}
	} else {
		d.highLatencyCount = 0
		d.goodSamplesAtCur++
		if d.goodSamplesAtCur >= 2 {
			next, increased := d.increaseOne(d.current)
			if increased {
				d.current = next
				d.goodSamplesAtCur = 0
				changed = true
			}
		}
	}

	if changed {
		d.consecutiveStable = 0
	} else {
		// No parameter change this round — either we're plateaued at a
		// configured bound (increaseOne had nowhere to go) or we're simply
		// waiting for the second good sample before trying to increase.
		// Both count toward "bounds reached and stable" per §4.3 point 5;
		// see SPEC_FULL.md §4.3 for this reading of an underspecified
		// interaction.
		d.consecutiveStable++
	}
	return changed
}

// backoffOne decrements one parameter, choosing which with 50/50
// probability for download and a bias toward pending-depth for upload, per
// §4.3. Never takes both parameters below 1.
func (d *ParameterDiscovery) backoffOne(cur ParameterSet) ParameterSet {
	depthBias := 0.5
	if d.dir == DirectionUpload {
		depthBias = 0.7
	}
	preferDepth := rand.Float64() < depthBias

	next := cur
	if preferDepth {
		if cur.PendingDepth > 1 {
			next.PendingDepth--
		} else if cur.StreamCount > 1 {
			next.StreamCount--
		}
	} else {
		if cur.StreamCount > 1 {
			next.StreamCount--
		} else if cur.PendingDepth > 1 {
			next.PendingDepth--
		}
	}
	return next
}

// increaseOne increments one parameter within bounds, preferring
// pending-depth until it reaches 2 then stream_count for upload, and
// stream_count then pending-depth (capped at 3) for download, per §4.3.
func (d *ParameterDiscovery) increaseOne(cur ParameterSet) (ParameterSet, bool) {
	next := cur
	if d.dir == DirectionUpload {
		if cur.PendingDepth < 2 {
			if cur.PendingDepth < d.cfg.MaxDepth {
				next.PendingDepth++
				return next, true
			}
		}
		if cur.StreamCount < d.cfg.MaxStreams {
			next.StreamCount++
			return next, true
		}
		if cur.PendingDepth < d.cfg.MaxDepth {
			next.PendingDepth++
			return next, true
		}
		return cur, false
	}

	// Download: prefer stream_count, then pending_depth up to 3.
	if cur.StreamCount < d.cfg.MaxStreams {
		next.StreamCount++
		return next, true
	}
	downloadMaxDepth := 3
	if cur.PendingDepth < downloadMaxDepth {
		next.PendingDepth++
		return next, true
	}
	return cur, false
}

// ForceBackoff scales the current parameters by max(1, ceil(cur*factor)),
// changing only one parameter (chosen the same way as an ordinary backoff),
// and schedules an automatic one-step re-ramp three seconds later, per
// §4.3's "Forced backoff" and the Latency Prober's force_backoff event.
func (d *ParameterDiscovery) ForceBackoff(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	d.mu.Lock()
	cur := d.current
	next := d.backoffOne(cur)
	// Scale whichever parameter changed by factor, floored at 1.
	if next.StreamCount != cur.StreamCount {
		next.StreamCount = maxInt(1, int(math.Ceil(float64(cur.StreamCount)*factor)))
	} else if next.PendingDepth != cur.PendingDepth {
		next.PendingDepth = maxInt(1, int(math.Ceil(float64(cur.PendingDepth)*factor)))
	}
	if next != cur {
		d.current = next
		d.consecutiveStable = 0
		d.highLatencyCount = 2
	}
	if d.met != nil {
		d.met.discoveryBackoffs.WithLabelValues(d.dir.String(), "forced").Inc()
	}
	if d.reramp != nil {
		d.reramp.Stop()
	}
	d.reramp = time.AfterFunc(3*time.Second, d.autoReramp)
	d.mu.Unlock()
}

// autoReramp performs one automatic one-step increase three seconds after
// a forced backoff, per §4.3. Per DESIGN.md's resolution of the
// backoff/re-ramp Open Question: a re-ramp that actually changes parameters
// resets the stability counter, and any re-ramp still pending when a *new*
// forced backoff occurs is implicitly superseded since ForceBackoff always
// stops and reschedules the timer. An ordinary latency backoff in observe
// leaves a pending re-ramp in place.
func (d *ParameterDiscovery) autoReramp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, increased := d.increaseOne(d.current)
	if increased {
		d.current = next
		d.consecutiveStable = 0
		d.goodSamplesAtCur = 0
	}
}

// CurrentParams returns the parameter set currently applied to the Stream
// Manager. The session polls this after each stabilization tick so an
// automatic re-ramp (triggered off-cycle by a timer) surfaces on the next
// apply without the discovery loop needing a direct callback into
// ApplyParams.
func (d *ParameterDiscovery) CurrentParams() ParameterSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Trials returns a copy of every recorded trial so far, in order.
func (d *ParameterDiscovery) Trials() []ParameterTrial {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ParameterTrial, len(d.trials))
	copy(out, d.trials)
	return out
}

// selectOptimal implements the end-of-phase look-back selection rule:
// score every recorded trial, find the highest-scoring one, and return the
// parameters of the trial immediately preceding it — the "causal"
// parameters whose application produced the best outcome — tagging both in
// the trial history. If the best trial is the first one, its own
// parameters are returned and only IsOptimalOutcome is tagged.
func (d *ParameterDiscovery) selectOptimal() ParameterSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.trials) == 0 {
		return d.cfg.FallbackParams.clampedCopy()
	}

	wt, wl := d.cfg.ScoreWeightThroughput, d.cfg.ScoreWeightLatency
	bestIdx := 0
	bestScore := d.score(d.trials[0], wt, wl)
	for i := 1; i < len(d.trials); i++ {
		s := d.score(d.trials[i], wt, wl)
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}

	d.trials[bestIdx].IsOptimalOutcome = true
	if bestIdx == 0 {
		return d.trials[0].Params
	}
	d.trials[bestIdx-1].CausedOptimalOutcome = true
	return d.trials[bestIdx-1].Params
}

func (d *ParameterDiscovery) score(t ParameterTrial, wt, wl float64) float64 {
	latencyTerm := 0.0
	if d.softThreshold > 0 {
		latencyTerm = math.Max(0, 1-t.LatencyMs/d.softThreshold)
	}
	return wt*t.Mbps + wl*latencyTerm*t.Mbps
}

// shouldAdoptNewBest implements the Open Question #1 knobs: download may
// adopt a new "live" running-best candidate for visualization purposes
// either on strict improvement, or when the candidate's score is within
// ScoreRatioThreshold of the current live-best's score, or when its
// throughput improves by ThroughputImprovementThreshold; upload always
// requires strict improvement. This does NOT affect the authoritative
// selectOptimal look-back above. Nothing in the engine calls it: no live
// "best so far" trial is tracked or published.
func (d *ParameterDiscovery) shouldAdoptNewBest(curBestScore, curBestMbps, candidateScore, candidateMbps float64) bool {
	if candidateScore > curBestScore {
		return true
	}
	if d.dir != DirectionDownload {
		return false
	}
	if curBestScore <= 0 {
		return false
	}
	if candidateScore/curBestScore >= d.cfg.ScoreRatioThreshold {
		return true
	}
	if curBestMbps > 0 && (candidateMbps-curBestMbps)/curBestMbps >= d.cfg.ThroughputImprovementThreshold {
		return true
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
