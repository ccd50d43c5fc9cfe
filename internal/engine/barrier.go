package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// PhaseBarrier is the synchronous checkpoint invoked on every phase
// transition to guarantee no load stream survives across a phase boundary,
// per §4.1 and the invariant in §8 ("at the instant phase:change(start) for
// the next phase is observed, active_counts().total == 0 must hold").
type PhaseBarrier struct {
	cfg     BarrierConfig
	streams *StreamManager
	log     zerolog.Logger
}

func NewPhaseBarrier(cfg BarrierConfig, streams *StreamManager, log zerolog.Logger) *PhaseBarrier {
	return &PhaseBarrier{cfg: cfg, streams: streams, log: log}
}

// Run terminates every active stream, waits a quiescence interval, then
// polls the registry with exponentially spaced delays until it observes
// zero active streams or exhausts VerifyRounds — at which point it performs
// an emergency reset. A barrier failure is logged but never aborts the
// transition: per §7, "a barrier that fails verification logs a warning,
// forcibly resets the registry, and continues; transitions are never
// aborted."
func (b *PhaseBarrier) Run() {
	b.streams.TerminateAll()

	time.Sleep(b.cfg.QuiescenceDelay)

	delay := b.cfg.VerifyBaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	rounds := b.cfg.VerifyRounds
	if rounds <= 0 {
		rounds = 15
	}

	for i := 0; i < rounds; i++ {
		if b.streams.ActiveCounts().Total == 0 {
			return
		}
		time.Sleep(delay)
		delay *= 2
	}

	if counts := b.streams.ActiveCounts(); counts.Total > 0 {
		b.log.Warn().Int("active_total", counts.Total).Msg("phase barrier verification failed; forcing registry reset")
		b.streams.ResetRegistry()
	}
}
