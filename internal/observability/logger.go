// Package observability sets up structured logging for the link engine.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a console logger tagged with the owning component name
// (e.g. "core", "conn", "ack") so multi-peer logs stay attributable.
func NewLogger(component string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("component", component).Logger()
}

// NewSilentLogger discards all output; used by tests and embedders that
// supply their own sink.
func NewSilentLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
