// Package wlog provides the transport's structured logger: a zerolog
// logger scoped per component, grounded on gtfodev-camsRelay/pkg/logger's
// category-tagged logging methods but built on zerolog instead of slog
// (the domain stack's ambient logging choice).
package wlog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ParseLevel maps the configured verbosity, parsed from config.Config's
// LogLevel string.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds the base logger writing to w (os.Stdout in production, a
// buffer in tests) at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning subsystem, the
// equivalent of the teacher's DebugCategory-scoped helper methods.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
