// Package logging provides a thin zerolog wrapper shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger so call sites depend on this package rather
// than zerolog directly.
type Logger struct {
	zl zerolog.Logger
}

// Option configures a Logger.
type Option func(*config)

type config struct {
	level  zerolog.Level
	writer io.Writer
	pretty bool
}

// WithLevel sets the minimum log level. Accepts "debug", "info", "warn", "error".
func WithLevel(level string) Option {
	return func(c *config) {
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		c.level = lvl
	}
}

// WithWriter sets the output destination. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) { c.writer = w }
}

// WithPretty enables human-readable console output instead of JSON lines.
func WithPretty(pretty bool) Option {
	return func(c *config) { c.pretty = pretty }
}

// New creates a Logger with the given options.
func New(opts ...Option) *Logger {
	cfg := config{
		level:  zerolog.InfoLevel,
		writer: os.Stderr,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var w io.Writer = cfg.writer
	if cfg.pretty {
		w = zerolog.ConsoleWriter{Out: cfg.writer, TimeFormat: time.Kitchen}
	}

	zl := zerolog.New(w).Level(cfg.level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child Logger with the given key/value pair attached to
// every subsequent event.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.event(l.zl.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.event(l.zl.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.event(l.zl.Warn(), msg, kv) }
func (l *Logger) Error(err error, msg string, kv ...any) {
	l.event(l.zl.Error().Err(err), msg, kv)
}

func (l *Logger) event(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
