package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Field is one structured attribute on a log line.
type Field struct {
	Key   string
	Value any
}

// Typed constructors for the common field kinds.
func String(key, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field         { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field  { return Field{Key: key, Value: value} }
func Any(key string, value any) Field         { return Field{Key: key, Value: value} }

// Logger is the logging surface the engine packages depend on. It is
// deliberately small so tests can pass Noop() and the cmd can swap
// formats without touching call sites.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls level, output format and source annotation.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json or text
	AddSource bool
}

// New returns a slog-backed Logger writing to stderr, keeping stdout
// free for retrieval output.
func New(cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return &slogLogger{sl: slog.New(h)}
}

// NewFromEnv builds a logger from PLUMEFLUX_LOG_LEVEL and
// PLUMEFLUX_LOG_FORMAT; unset means text at info level.
func NewFromEnv() Logger {
	return New(Config{
		Level:     os.Getenv("PLUMEFLUX_LOG_LEVEL"),
		Format:    os.Getenv("PLUMEFLUX_LOG_FORMAT"),
		AddSource: true,
	})
}

// Noop returns a logger that discards everything.
func Noop() Logger { return noop{} }

type slogLogger struct {
	sl *slog.Logger
}

func (s *slogLogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if !s.sl.Enabled(ctx, level) {
		return
	}
	s.sl.Log(ctx, level, msg, args(fields)...)
}

func (s *slogLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogLogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogLogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

func (s *slogLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return s
	}
	return &slogLogger{sl: s.sl.With(args(fields)...)}
}

func args(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

type noop struct{}

func (noop) Debug(context.Context, string, ...Field) {}
func (noop) Info(context.Context, string, ...Field)  {}
func (noop) Warn(context.Context, string, ...Field)  {}
func (noop) Error(context.Context, string, ...Field) {}
func (noop) With(...Field) Logger                    { return noop{} }

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// ---- Pair-scoped helpers ----
//
// A frame pair is the unit of retrieval work. Worker log lines carry
// the pair's ID so a gap in the flux series can be traced back through
// the flow, histogram and fallback decisions that produced it.

type ctxKey string

const (
	pairIDKey ctxKey = "pair_id"
	loggerKey ctxKey = "logger"
)

// EnsurePairID returns a context guaranteed to carry a pair_id,
// generating one when absent.
func EnsurePairID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := PairIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := newPairID()
	return ContextWithPairID(ctx, id), id
}

// ContextWithPairID stores a pair_id on the context.
func ContextWithPairID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, pairIDKey, id)
}

// PairIDFromContext reads the pair_id, or "" when none is set.
func PairIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(pairIDKey).(string)
	return id
}

// WithPairLogger ensures a pair_id and returns the context together
// with a logger annotated with it.
func WithPairLogger(ctx context.Context, base Logger) (context.Context, Logger) {
	if base == nil {
		base = Noop()
	}
	ctx, id := EnsurePairID(ctx)
	return ctx, base.With(String("pair_id", id))
}

// ContextWithLogger stores a logger on the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromContext fetches the context logger, or nil when absent.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(loggerKey).(Logger)
	return l
}

func newPairID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
