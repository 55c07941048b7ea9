// Package logger builds the slog loggers used by the metafs server.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls logger output.
type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Debug forces the debug level.
	Debug bool
	// JSON switches from text to JSON records.
	JSON bool
	// Service and Version are attached to every record when set.
	Service string
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup returns a logger configured by opts.
func Setup(opts *Options) *slog.Logger {
	if opts == nil {
		opts = &Options{}
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
