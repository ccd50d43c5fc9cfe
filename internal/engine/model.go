// Package engine implements the bufferbloat measurement engine: the
// phase-controlled state machine that saturates a cooperative origin's
// download and upload paths while sampling round-trip latency, discovers
// the load parameters that best saturate the link without collapsing
// latency, and reports per-phase latency/throughput deltas.
package engine

import (
	"sync/atomic"
	"time"
)

// PhaseKind identifies a stage of a measurement session. Phases execute in
// this fixed order and a session enters each at most once.
type PhaseKind int

const (
	PhaseBaseline PhaseKind = iota
	PhaseDownloadWarmup
	PhaseDownload
	PhaseUploadWarmup
	PhaseUpload
	PhaseBidirectional
	PhaseComplete
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseBaseline:
		return "baseline"
	case PhaseDownloadWarmup:
		return "download_warmup"
	case PhaseDownload:
		return "download"
	case PhaseUploadWarmup:
		return "upload_warmup"
	case PhaseUpload:
		return "upload"
	case PhaseBidirectional:
		return "bidirectional"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// nextPhase returns the only legal successor of k, and false if k is terminal.
func (k PhaseKind) nextPhase() (PhaseKind, bool) {
	if k >= PhaseComplete {
		return PhaseComplete, false
	}
	return k + 1, true
}

// Direction identifies the traffic direction a stream or sample belongs to.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Phase is a time-bounded interval of a session during which specific load
// is (or is not) applied.
type Phase struct {
	Kind  PhaseKind
	Start time.Time
	End   time.Time // zero until the phase ends

	Latencies   []LatencySample
	Throughputs []ThroughputSample
}

// Elapsed returns the duration since Start, or Start-to-End if the phase has
// already ended.
func (p *Phase) Elapsed(now time.Time) time.Duration {
	if !p.End.IsZero() {
		return p.End.Sub(p.Start)
	}
	return now.Sub(p.Start)
}

// StreamID uniquely identifies a stream within a session. IDs are assigned
// monotonically and never reused.
type StreamID uint64

// Stream is a registry entry for a single long-lived download read loop or
// bounded-depth upload request loop.
type Stream struct {
	ID        StreamID
	Direction Direction
	Created   time.Time
	Phase     PhaseKind

	active atomic.Bool
	cancel func()
	bytes  *counter
}

// Active reports whether the stream is still registered and running.
func (s *Stream) Active() bool { return s.active.Load() }

// BytesTransferred returns the stream's lifetime byte count. Once Active()
// is false the value is frozen.
func (s *Stream) BytesTransferred() int64 { return s.bytes.total() }

// LatencySample is one round-trip probe result.
type LatencySample struct {
	SendInstant time.Time
	RTT         time.Duration
	Timeout     bool
	Phase       PhaseKind
}

// ThroughputSample is one tick of the Throughput Monitor for a single
// direction.
type ThroughputSample struct {
	Instant     time.Time
	Mbps        float64
	Smoothed    float64
	Phase       PhaseKind
	Direction   Direction
	OutOfPhase  bool
}

// ParameterSet is the (stream count, pending-request depth) pair Parameter
// Discovery explores and applies to the Stream Manager.
type ParameterSet struct {
	StreamCount  int
	PendingDepth int
}

// clampedCopy returns a copy of p with both fields floored at 1.
func (p ParameterSet) clampedCopy() ParameterSet {
	if p.StreamCount < 1 {
		p.StreamCount = 1
	}
	if p.PendingDepth < 1 {
		p.PendingDepth = 1
	}
	return p
}

// ParameterTrial is one recorded (parameters, outcome) observation made
// during a warmup.
type ParameterTrial struct {
	Params    ParameterSet
	Mbps      float64
	LatencyMs float64
	Instant   time.Time

	IsOptimalOutcome   bool
	CausedOptimalOutcome bool
}

// SessionResult is the surfaced, immutable output of a completed session.
type SessionResult struct {
	SessionID        string
	Started          time.Time
	Completed         time.Time
	PhaseTransitions []PhaseTransition

	BaselineLatencyMs float64

	DownloadOptimal ParameterSet
	UploadOptimal   ParameterSet
	DownloadTrials  []ParameterTrial
	UploadTrials    []ParameterTrial

	LatencyByPhase     map[PhaseKind][]LatencySample
	DownloadThroughput map[PhaseKind][]ThroughputSample
	UploadThroughput   map[PhaseKind][]ThroughputSample
}

// PhaseTransition records a single start or end event for output/diagnostics.
type PhaseTransition struct {
	Phase     PhaseKind
	Start     bool
	Timestamp time.Time
	Elapsed   time.Duration
}

// counter is a small atomic-int64 wrapper holding a stream's lifetime byte
// count, added to by the stream's driver and read by the Throughput Monitor
// without a lock. It stops growing once the driver has exited.
type counter struct {
	v atomic.Int64
}

func (c *counter) add(n int64)  { c.v.Add(n) }
func (c *counter) total() int64 { return c.v.Load() }
