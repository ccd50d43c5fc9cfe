package engine

import (
	"sync"
	"time"
)

// PhaseController drives ordered phase execution with an enforced barrier
// between every transition, per §4.1. It exclusively owns the current
// phase identity (§3 Ownership).
type PhaseController struct {
	bus     *Bus
	barrier *PhaseBarrier
	met     *engineMetrics

	sessionStart time.Time

	mu      sync.Mutex
	current *Phase
	history []Phase
}

func NewPhaseController(bus *Bus, barrier *PhaseBarrier, met *engineMetrics) *PhaseController {
	return &PhaseController{bus: bus, barrier: barrier, met: met, sessionStart: time.Now()}
}

// StartPhase ends the current phase (if any) and invokes the barrier, then
// begins kind. Returns *InvalidTransitionError if kind is not the current
// phase's only legal successor — per §7 the one fatal-to-the-session error
// class.
func (c *PhaseController) StartPhase(kind PhaseKind) error {
	c.mu.Lock()
	hadCurrent := c.current != nil
	if hadCurrent {
		from := c.current.Kind
		next, ok := from.nextPhase()
		if !ok || next != kind {
			c.mu.Unlock()
			return &InvalidTransitionError{From: from, Want: next, Got: kind}
		}
	} else if kind != PhaseBaseline {
		c.mu.Unlock()
		return &InvalidTransitionError{From: -1, Want: PhaseBaseline, Got: kind}
	}
	c.mu.Unlock()

	if hadCurrent {
		c.endPhaseLocked()
	}

	// The barrier is invoked synchronously between end and start: per §5,
	// terminate_all completes before start_phase returns for the next
	// phase, and the Phase Controller calls directly into the Stream
	// Manager (via the barrier) rather than round-tripping through the bus,
	// because correctness depends on that ordering.
	c.barrier.Run()

	now := time.Now()
	c.mu.Lock()
	c.current = &Phase{Kind: kind, Start: now}
	c.mu.Unlock()

	c.bus.Publish(Event{
		Type: EventPhaseChange,
		Fields: map[string]any{
			"type":        "start",
			"phase":       kind.String(),
			"timestamp":   now,
			"elapsedTime": now.Sub(c.sessionStart),
		},
	})
	return nil
}

// EndPhase records the current phase's end instant, publishes
// phase:change(end) and invokes the barrier. A StartPhase that follows finds
// the phase already ended and does not record it again, and its own barrier
// run finds an already-drained registry, so the §8 round-trip law holds:
// start_phase(X) followed by start_phase(Y) is equivalent to end_phase();
// start_phase(Y).
func (c *PhaseController) EndPhase() {
	c.mu.Lock()
	hasCurrent := c.current != nil
	c.mu.Unlock()
	if !hasCurrent {
		return
	}
	c.endPhaseLocked()
	c.barrier.Run()
}

func (c *PhaseController) endPhaseLocked() {
	now := time.Now()
	c.mu.Lock()
	cur := c.current
	if cur == nil || !cur.End.IsZero() {
		// Already ended — an explicit EndPhase() call followed by the
		// StartPhase(Y) that would otherwise end the same phase again. Per
		// §8's round-trip law this must be a no-op, not a second history
		// entry.
		c.mu.Unlock()
		return
	}
	cur.End = now
	c.history = append(c.history, *cur)
	c.mu.Unlock()

	if c.met != nil {
		c.met.phaseDuration.WithLabelValues(cur.Kind.String()).Observe(cur.End.Sub(cur.Start).Seconds())
	}

	c.bus.Publish(Event{
		Type: EventPhaseChange,
		Fields: map[string]any{
			"type":        "end",
			"phase":       cur.Kind.String(),
			"timestamp":   now,
			"elapsedTime": now.Sub(c.sessionStart),
		},
	})
}

// CurrentPhase returns the kind of the phase currently running, or
// PhaseComplete if the session has not started or has finished.
func (c *PhaseController) CurrentPhase() PhaseKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return PhaseComplete
	}
	return c.current.Kind
}

// PhaseElapsed returns time elapsed in the current phase.
func (c *PhaseController) PhaseElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.Elapsed(time.Now())
}

// TotalElapsed returns time elapsed since the controller was constructed.
func (c *PhaseController) TotalElapsed() time.Duration {
	return time.Since(c.sessionStart)
}

// PhaseHistory returns every completed phase, in order.
func (c *PhaseController) PhaseHistory() []Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Phase, len(c.history))
	copy(out, c.history)
	return out
}

// CurrentLatencies returns a copy of the latency samples recorded so far
// for the phase currently running (used by the Session to compute the
// baseline latency average once the Baseline phase ends).
func (c *PhaseController) CurrentLatencies() []LatencySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := make([]LatencySample, len(c.current.Latencies))
	copy(out, c.current.Latencies)
	return out
}

// recordLatency appends a latency sample to the current phase's sequence,
// called by the Session after it tags a prober sample with the phase that
// was live at the sample's send instant.
func (c *PhaseController) recordLatency(s LatencySample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Kind == s.Phase {
		c.current.Latencies = append(c.current.Latencies, s)
	}
}

// recordThroughput appends a throughput sample to the current phase's
// sequence.
func (c *PhaseController) recordThroughput(s ThroughputSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Kind == s.Phase {
		c.current.Throughputs = append(c.current.Throughputs, s)
	}
}
