// Package log provides structured logging for the hardshare binaries.
// It wraps zerolog construction so the agent, the filter, and the
// gateway configure logging the same way.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a logger with the specified level and format.
// Level is one of: debug, info, warn, error. Format is json or console.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level, format string, w io.Writer) zerolog.Logger {
	var logger zerolog.Logger

	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}

	switch level {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "info":
		logger = logger.Level(zerolog.InfoLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}

	return logger
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
