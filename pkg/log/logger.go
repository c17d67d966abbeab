// Package log provides the zerolog-based context logger used across the
// engram subsystem.
package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewContextWithLogger attaches a configured logger to the context and
// returns it. Debug enables debug-level output; otherwise info and above.
func NewContextWithLogger(ctx context.Context, debug bool) context.Context {
	return NewContextWithLoggerOutput(ctx, debug, os.Stderr)
}

// NewContextWithLoggerOutput is NewContextWithLogger with an explicit output
// writer, used by tests to capture log lines.
func NewContextWithLoggerOutput(ctx context.Context, debug bool, out io.Writer) context.Context {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.DateTime,
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return logger.WithContext(ctx)
}

// FromCtx returns the logger attached to the context, or the zerolog
// default logger when none is attached.
func FromCtx(ctx context.Context) *zerolog.Logger {
	return log.Ctx(ctx)
}
