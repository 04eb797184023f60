// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configure New. Zero values mean info level, console output on
// stderr.
type Options struct {
	Level  string
	Format string
	Out    io.Writer
	App    string
}

// New builds a logger, installs it as the global zerolog logger and returns
// it. COORD_LOG_LEVEL and COORD_LOG_FORMAT override opts.
func New(opts Options) zerolog.Logger {
	if env := os.Getenv("COORD_LOG_LEVEL"); env != "" {
		opts.Level = env
	}
	if env := os.Getenv("COORD_LOG_FORMAT"); env != "" {
		opts.Format = env
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(opts.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}
