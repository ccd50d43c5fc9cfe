package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/engine"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "bloattest",
		Short:   "Run a bufferbloat measurement session against a cooperative origin",
		Version: version,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		origin          string
		iface           string
		configPath      string
		timeout         time.Duration
		baseline        time.Duration
		warmupMin       time.Duration
		warmupMax       time.Duration
		loadPhase       time.Duration
		downloadStreams int
		downloadDepth   int
		uploadStreams   int
		uploadDepth     int
		quiet           bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one measurement session and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if origin == "" {
				return errors.New("--origin is required")
			}

			cfg := engine.DefaultConfig(origin)
			cfg.Interface = iface
			if baseline > 0 {
				cfg.BaselineDuration = baseline
			}
			if warmupMin > 0 {
				cfg.WarmupMinDuration = warmupMin
			}
			if warmupMax > 0 {
				cfg.WarmupMaxDuration = warmupMax
			}
			if loadPhase > 0 {
				cfg.LoadPhaseDuration = loadPhase
			}
			if downloadStreams > 0 {
				cfg.Download.FallbackParams.StreamCount = downloadStreams
			}
			if downloadDepth > 0 {
				cfg.Download.FallbackParams.PendingDepth = downloadDepth
			}
			if uploadStreams > 0 {
				cfg.Upload.FallbackParams.StreamCount = uploadStreams
			}
			if uploadDepth > 0 {
				cfg.Upload.FallbackParams.PendingDepth = uploadDepth
			}

			if configPath != "" {
				var err error
				cfg, err = engine.LoadConfigFile(configPath, cfg)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}

			signalCtx, stop := notifyContext(cmd.Context())
			defer stop()

			ctx, cancel := context.WithTimeout(signalCtx, timeout)
			defer cancel()

			var logWriter io.Writer = os.Stderr
			if quiet {
				logWriter = io.Discard
			}
			session := engine.NewSession(cfg, logWriter)

			result, err := session.Run(ctx)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("session %s: %w", session.ID(), err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "Base URL of the cooperative test origin (required)")
	cmd.Flags().StringVar(&iface, "interface", "", "Network interface to bind all engine connections to")
	cmd.Flags().StringVar(&configPath, "config", "", "Optional YAML config file overlaid on the defaults")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall session timeout")
	cmd.Flags().DurationVar(&baseline, "baseline-duration", 0, "Override the baseline phase duration")
	cmd.Flags().DurationVar(&warmupMin, "warmup-min", 0, "Override the minimum warmup duration")
	cmd.Flags().DurationVar(&warmupMax, "warmup-max", 0, "Override the maximum warmup duration before falling back")
	cmd.Flags().DurationVar(&loadPhase, "load-duration", 0, "Override each load phase's duration")
	cmd.Flags().IntVar(&downloadStreams, "download-streams", 0, "Override the download fallback stream count")
	cmd.Flags().IntVar(&downloadDepth, "download-depth", 0, "Override the download fallback pending depth")
	cmd.Flags().IntVar(&uploadStreams, "upload-streams", 0, "Override the upload fallback stream count")
	cmd.Flags().IntVar(&uploadDepth, "upload-depth", 0, "Override the upload fallback pending depth")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress structured logging on stderr")

	return cmd
}

// notifyContext wires SIGINT/SIGTERM into ctx cancellation, letting a
// running session unwind its phase barrier cleanly instead of being killed
// mid-stream. Kept as a small helper in the teacher's style rather than a
// package — cobra's root command owns only one subcommand that needs it.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
