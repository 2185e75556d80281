// Package vlog wires structured logging for the sync core: a
// log/slog.Logger writing JSON to a lumberjack-rotated file, the
// rotation policy the teacher's go.mod already declares
// (gopkg.in/natefinch/lumberjack.v2) but never wired into a concrete
// writer in its own tree. The same JSON lines always go to stderr as
// well, so a `vb sync` invocation shows its log without tailing a file.
package vlog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating file sink. Zero values disable file
// logging entirely (stderr-only), which is what tests should use.
type Options struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// New builds a logger writing structured JSON to both stderr and, if
// Options.FilePath is set, a rotating file.
func New(opts Options) *slog.Logger {
	writers := []io.Writer{os.Stderr}
	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}
	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithRun returns a child logger tagged with a run correlation id, used
// to group every log line from one orchestrator.Run invocation (spec's
// domain-stack addition in SPEC_FULL §4.8: a google/uuid RunID).
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// NewNoop returns a logger that discards everything, used as a
// default when callers don't care about log output (e.g. unit tests).
func NewNoop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
