// Package logging builds the console loggers used by the harness binaries
// and tests.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ParseLevel maps a LOG_LEVEL value to a zerolog level. Unknown values fall
// back to info; ok reports whether the value was recognised.
func ParseLevel(s string) (level zerolog.Level, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, true
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return level, true
}

// New returns a human-readable logger writing to w (stderr when nil).
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, ok := ParseLevel(level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().Timestamp().Logger()
	if !ok {
		logger.Warn().Str("LOG_LEVEL", level).Msg("Invalid log level, defaulting to info")
	}
	return logger
}

// Header writes a banner separating phases of a run. Banners bypass the
// level filter so they show even at warn.
func Header(w io.Writer, format string, args ...any) {
	if w == nil {
		w = os.Stderr
	}
	line := strings.Repeat("=", 80)
	fmt.Fprintf(w, "\n%s\n%s\n%s\n", line, fmt.Sprintf(format, args...), line)
}
