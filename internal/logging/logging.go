// Package logging configures structured slog output for knowidx.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures logging setup.
type Options struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the log file. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the size before rotation (default 10).
	MaxSizeMB int
	// MaxFiles is how many rotated files to keep (default 5).
	MaxFiles int
	// Stderr also mirrors log output to stderr.
	Stderr bool
}

// Setup installs the default slog logger per opts and returns a cleanup
// function that flushes and closes the log file.
func Setup(opts Options) (func(), error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 5
	}

	var (
		output  io.Writer = os.Stderr
		cleanup           = func() {}
	)
	if opts.FilePath != "" {
		writer, err := NewRotatingWriter(opts.FilePath, opts.MaxSizeMB, opts.MaxFiles)
		if err != nil {
			return nil, err
		}
		if opts.Stderr {
			output = io.MultiWriter(writer, os.Stderr)
		} else {
			output = writer
		}
		cleanup = func() { _ = writer.Close() }
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	})
	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}

// ParseLevel converts a string level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
