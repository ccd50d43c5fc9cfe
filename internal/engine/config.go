package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls a measurement session end-to-end: the origin to drive
// load against, phase durations, and the bounds Parameter Discovery is
// allowed to explore. Mirrors the shape of the teacher's speedtest.Config,
// generalized from a single fixed-duration pass to the full phase schedule.
type Config struct {
	// OriginBaseURL is the base URL of the cooperative HTTP origin exposing
	// GET /ping, GET /download and POST /upload (§6). Required.
	OriginBaseURL string `yaml:"origin_base_url"`

	// Interface optionally binds all engine HTTP clients to a named local
	// network interface (kept from the teacher's transport.go).
	Interface string `yaml:"interface,omitempty"`

	BaselineDuration  time.Duration `yaml:"baseline_duration"`
	WarmupMinDuration time.Duration `yaml:"warmup_min_duration"`
	// WarmupMaxDuration bounds how long a warmup may run before Parameter
	// Discovery is treated as a convergence failure and the documented
	// fallback parameters are used instead, per §7. Not named explicitly in
	// §4.1's phase schedule (which only documents the minimum), but needed
	// so a pathological link can't stall the whole session indefinitely.
	WarmupMaxDuration time.Duration `yaml:"warmup_max_duration"`
	LoadPhaseDuration time.Duration `yaml:"load_phase_duration"`

	SamplingInterval time.Duration `yaml:"sampling_interval"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`

	Download DiscoveryConfig `yaml:"download"`
	Upload   DiscoveryConfig `yaml:"upload"`

	Barrier BarrierConfig `yaml:"barrier"`
}

// DiscoveryConfig bounds and tunes Parameter Discovery for one direction,
// per §4.3.
type DiscoveryConfig struct {
	MaxStreams int `yaml:"max_streams"`
	MaxDepth   int `yaml:"max_depth"`

	SoftThresholdMin float64 `yaml:"soft_threshold_min_ms"`
	SoftThresholdK   float64 `yaml:"soft_threshold_k"`

	HardCapK    float64 `yaml:"hard_cap_k"`
	HardCapMin  float64 `yaml:"hard_cap_min_ms"`
	HardCapMax  float64 `yaml:"hard_cap_max_ms"`

	StabilizationDelay time.Duration `yaml:"stabilization_delay"`
	StableThreshold    int           `yaml:"stable_threshold"`

	ScoreWeightThroughput float64 `yaml:"score_weight_throughput"`
	ScoreWeightLatency    float64 `yaml:"score_weight_latency"`

	// ScoreRatioThreshold and ThroughputImprovementThreshold are Open
	// Question #1 knobs (download only — see DESIGN.md); upload always
	// requires strict score improvement to adopt a new running-best trial.
	ScoreRatioThreshold            float64 `yaml:"score_ratio_threshold,omitempty"`
	ThroughputImprovementThreshold float64 `yaml:"throughput_improvement_threshold,omitempty"`

	FallbackParams ParameterSet `yaml:"-"`
}

// BarrierConfig tunes the Phase Barrier's quiescence and verification
// behavior, per §4.1.
type BarrierConfig struct {
	QuiescenceDelay  time.Duration `yaml:"quiescence_delay"`
	VerifyRounds     int           `yaml:"verify_rounds"`
	VerifyBaseDelay  time.Duration `yaml:"verify_base_delay"`
}

// DefaultConfig returns the spec's documented constants (§4.1, §4.3, §5).
func DefaultConfig(originBaseURL string) Config {
	return Config{
		OriginBaseURL:     originBaseURL,
		BaselineDuration:  5 * time.Second,
		WarmupMinDuration: 15 * time.Second,
		WarmupMaxDuration: 60 * time.Second,
		LoadPhaseDuration: 5 * time.Second,
		SamplingInterval:  200 * time.Millisecond,
		ProbeInterval:     100 * time.Millisecond,
		Download: DiscoveryConfig{
			MaxStreams: 24, MaxDepth: 3,
			SoftThresholdMin: 75, SoftThresholdK: 1.75,
			HardCapK: 2.5, HardCapMin: 150, HardCapMax: 250,
			StabilizationDelay: 300 * time.Millisecond, StableThreshold: 3,
			ScoreWeightThroughput: 0.5, ScoreWeightLatency: 0.5,
			ScoreRatioThreshold: 0.95, ThroughputImprovementThreshold: 0.10,
			FallbackParams: ParameterSet{StreamCount: 3, PendingDepth: 1},
		},
		Upload: DiscoveryConfig{
			MaxStreams: 16, MaxDepth: 16,
			SoftThresholdMin: 100, SoftThresholdK: 2.0,
			HardCapK: 3.0, HardCapMin: 200, HardCapMax: 400,
			StabilizationDelay: 300 * time.Millisecond, StableThreshold: 2,
			ScoreWeightThroughput: 0.7, ScoreWeightLatency: 0.3,
			FallbackParams: ParameterSet{StreamCount: 2, PendingDepth: 2},
		},
		Barrier: BarrierConfig{
			QuiescenceDelay: 200 * time.Millisecond,
			VerifyRounds:    15,
			VerifyBaseDelay: 100 * time.Millisecond,
		},
	}
}

// LoadConfigFile reads a YAML config file and overlays it onto a base
// config produced by DefaultConfig; unset file fields keep the base's
// value. Grounded in ariadne's pipeline config, which also loads YAML
// overlays over programmatic defaults via gopkg.in/yaml.v3.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// softThreshold computes T = max(minT, B*k) per §4.3.
func (d DiscoveryConfig) softThreshold(baselineMs float64) float64 {
	t := baselineMs * d.SoftThresholdK
	if t < d.SoftThresholdMin {
		return d.SoftThresholdMin
	}
	return t
}

// hardCap computes H = clamp(B*k', Hmin, Hmax) per §4.3.
func (d DiscoveryConfig) hardCap(baselineMs float64) float64 {
	h := baselineMs * d.HardCapK
	if h < d.HardCapMin {
		return d.HardCapMin
	}
	if h > d.HardCapMax {
		return d.HardCapMax
	}
	return h
}
