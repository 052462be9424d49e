// Package logger wraps a process-wide zerolog logger.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerKey struct{}

var globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger. level falls back to LOG_LEVEL, then info.
// pretty switches to the human-readable console writer.
func Init(level string, pretty bool) {
	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	globalLogger = zerolog.New(out).With().
		Timestamp().
		Caller().
		Logger().
		Level(lvl)

	log.Logger = globalLogger

	if err != nil && level != "" {
		globalLogger.Warn().Str("level", level).Msg("invalid log level, defaulting to info")
	}
}

// SetOutput redirects the global logger, mainly for tests.
func SetOutput(w io.Writer) {
	globalLogger = globalLogger.Output(w)
	log.Logger = globalLogger
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &globalLogger
	}
	if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok {
		return l
	}
	return &globalLogger
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Get returns a copy of the global logger.
func Get() zerolog.Logger {
	return globalLogger
}

func Error() *zerolog.Event { return globalLogger.Error() }
func Warn() *zerolog.Event  { return globalLogger.Warn() }
func Info() *zerolog.Event  { return globalLogger.Info() }
func Debug() *zerolog.Event { return globalLogger.Debug() }
