// Package logger provides structured logging for mnemos.
//
// Records logged with a context carry the active trace and span ids and
// any attributes attached with ContextWith, so a request id set by the
// HTTP layer shows up on every engine log line of that request.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Level represents logging levels.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levels = []struct {
	level Level
	name  string
	slog  slog.Level
}{
	{DebugLevel, "debug", slog.LevelDebug},
	{InfoLevel, "info", slog.LevelInfo},
	{WarnLevel, "warn", slog.LevelWarn},
	{ErrorLevel, "error", slog.LevelError},
}

// String returns the string representation of the level.
func (l Level) String() string {
	for _, e := range levels {
		if e.level == l {
			return e.name
		}
	}
	return "unknown"
}

// ParseLevel parses a level name. Unknown names are info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return WarnLevel
	}
	for _, e := range levels {
		if e.name == s {
			return e.level
		}
	}
	return InfoLevel
}

func (l Level) slog() slog.Level {
	for _, e := range levels {
		if e.level == l {
			return e.slog
		}
	}
	return slog.LevelInfo
}

func levelOf(l slog.Level) Level {
	for _, e := range levels {
		if l <= e.slog {
			return e.level
		}
	}
	return ErrorLevel
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or file path
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	// SetLevel changes the level of this logger and every logger derived
	// from it with With.
	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if the logger owns one.
	Close() error
}

// SlogLogger is a Logger implementation using log/slog.
type SlogLogger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

var _ Logger = (*SlogLogger)(nil)

type holder struct{ l Logger }

var global atomic.Pointer[holder]

func init() {
	SetGlobal(NewWithWriter(os.Stderr, "text", InfoLevel))
}

// New creates a Logger from cfg. A nil cfg logs JSON at info to stdout.
// An output file that cannot be opened falls back to stderr.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w = os.Stderr
			break
		}
		w, closer = f, f
	}
	l := NewWithWriter(w, cfg.Format, cfg.Level).(*SlogLogger)
	l.closer = closer
	return l
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, format string, level Level) Logger {
	levelVar := &slog.LevelVar{}
	levelVar.Set(level.slog())

	opts := &slog.HandlerOptions{
		Level:       levelVar,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{Logger: slog.New(contextHandler{h}), level: levelVar}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return NewWithWriter(io.Discard, "text", ErrorLevel)
}

var redactedKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"password":      {},
	"token":         {},
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		a.Key = "message"
		return a
	}
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	// errors render as their message rather than an empty object
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, err.Error())
		}
	}
	return a
}

// contextHandler adds trace ids and ContextWith attributes to records.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if attrs, ok := ctx.Value(attrsKey{}).([]slog.Attr); ok {
			r.AddAttrs(attrs...)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			r.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

type attrsKey struct{}

// ContextWith returns a context whose log records carry args in addition
// to any attributes already attached to ctx.
func ContextWith(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	r := slog.NewRecord(time.Time{}, 0, "", 0)
	r.Add(args...)
	attrs := make([]slog.Attr, 0, len(prev)+r.NumAttrs())
	attrs = append(attrs, prev...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// With returns a derived Logger sharing the level but not the output file.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{Logger: l.Logger.With(args...), level: l.level}
}

// WithContext returns a context with the logger attached.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (l *SlogLogger) SetLevel(level Level) { l.level.Set(level.slog()) }

func (l *SlogLogger) GetLevel() Level { return levelOf(l.level.Level()) }

func (l *SlogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type loggerKey struct{}

// FromContext returns the logger attached with WithContext, or the global one.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
			return l
		}
	}
	return Global()
}

// Global returns the global logger.
func Global() Logger {
	return global.Load().l
}

// SetGlobal replaces the global logger. nil is ignored.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	global.Store(&holder{l: l})
}

func Debug(msg string, args ...any) { Global().Debug(msg, args...) }

func Info(msg string, args ...any) { Global().Info(msg, args...) }

func Warn(msg string, args ...any) { Global().Warn(msg, args...) }

func Error(msg string, args ...any) { Global().Error(msg, args...) }
