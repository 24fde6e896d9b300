// Package logger provides the key/value logger used across dropwatch.
// Entries go to a human-readable console stream and, optionally, to a
// size-rotated log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a structured logger taking alternating key/value pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	// With returns a child logger that attaches kv to every entry.
	With(kv ...any) Logger

	// Close flushes and releases the log file, if any. Safe to call twice.
	Close() error
}

// Options controls where log entries are written.
type Options struct {
	Verbose bool

	// File enables rotated file output when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console defaults to os.Stderr.
	Console io.Writer
	NoColor bool
}

type zeroLogger struct {
	z      zerolog.Logger
	closer io.Closer
}

// New builds a zerolog-backed Logger from opts.
func New(opts Options) Logger {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: "15:04:05",
		NoColor:    opts.NoColor,
	}}

	var closer io.Closer
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	return &zeroLogger{z: z, closer: closer}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.emit(l.z.Debug(), msg, kv) }
func (l *zeroLogger) Info(msg string, kv ...any)  { l.emit(l.z.Info(), msg, kv) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { l.emit(l.z.Warn(), msg, kv) }
func (l *zeroLogger) Error(msg string, kv ...any) { l.emit(l.z.Error(), msg, kv) }

func (l *zeroLogger) emit(e *zerolog.Event, msg string, kv []any) {
	if len(kv) > 0 {
		e = e.Fields(evenPairs(kv))
	}
	e.Msg(msg)
}

func (l *zeroLogger) With(kv ...any) Logger {
	if len(kv) == 0 {
		return l
	}
	return &zeroLogger{
		z:      l.z.With().Fields(evenPairs(kv)).Logger(),
		closer: l.closer,
	}
}

func (l *zeroLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// evenPairs pads a dangling key so zerolog never drops the whole field list.
// Values with their own String method are logged through it; zerolog would
// otherwise JSON-encode structs field by field, redacted ones included.
func evenPairs(kv []any) []any {
	out := make([]any, 0, len(kv)+1)
	for i, v := range kv {
		if i%2 == 1 {
			v = stringify(v)
		}
		out = append(out, v)
	}
	if len(out)%2 != 0 {
		out = append(out, "(missing)")
	}
	return out
}

func stringify(v any) any {
	switch t := v.(type) {
	case error, time.Time, time.Duration:
		return v
	case fmt.Stringer:
		return t.String()
	}
	return v
}

type nopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)  {}
func (nopLogger) Info(string, ...any)   {}
func (nopLogger) Warn(string, ...any)   {}
func (nopLogger) Error(string, ...any)  {}
func (n nopLogger) With(...any) Logger { return n }
func (nopLogger) Close() error          { return nil }

var (
	_ Logger = (*zeroLogger)(nil)
	_ Logger = nopLogger{}
)
