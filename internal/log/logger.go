// Package log builds the zerolog loggers handed to the buses.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for building a logger.
type Config struct {
	Level   string    // "debug", "info", ...; unparsable values fall back to info
	Format  string    // "json" (default) or "console"
	Output  io.Writer // defaults to os.Stderr
	Service string    // attached to every entry; defaults to "cqrs-bus"
}

// New builds a logger. The level is set on the logger, not globally.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	service := cfg.Service
	if service == "" {
		service = "cqrs-bus"
	}

	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
