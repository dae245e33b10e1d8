// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log output format and verbosity.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string
	// Pretty switches to the human-readable console writer.
	Pretty bool
	// Output defaults to stderr.
	Output io.Writer
}

// New builds the root logger. Components derive their own child via
// For, which tags every line with a component field.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// For returns a child logger tagged with the component name.
func For(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
