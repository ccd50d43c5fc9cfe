package engine

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// newLogger returns a zerolog.Logger scoped to one session, writing structured
// JSON to w (stderr when w is nil). The teacher CLI logged plain fmt.Fprintf
// lines to stderr; the pack's
// other_examples log package (cmd/log) shows the idiomatic replacement:
// github.com/rs/zerolog with a component field for correlation.
func newLogger(sessionID string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("component", "bufferbloat-engine").
		Str("session_id", sessionID).
		Logger()
}
