// Package logger holds the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// L is the global logger instance. It discards all output until Init enables it.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Level   slog.Level // Minimum log level. Default: LevelInfo
	JSON    bool       // Emit JSON records instead of text
	Output  io.Writer  // Destination. Default: os.Stderr
}

// Init configures logging. Call from main() before any log calls.
func Init(opts Options) *slog.Logger {
	if !opts.Enabled {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return L
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(out, handlerOpts))
	} else {
		L = slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return L
}

// Or returns l when non-nil, else the global logger.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return L
}
