package recorderlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured logging field (zap-style).
type Field struct {
	Key   string
	Value any
}

// ---- Field helpers ----

func String(key, val string) Field   { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field { return Field{Key: key, Value: val} }
func Int(key string, val int) Field   { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field {
	return Field{Key: key, Value: val}
}
func Uint64(key string, val uint64) Field {
	return Field{Key: key, Value: val}
}
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}
func Time(key string, v time.Time) Field {
	return Field{Key: key, Value: v}
}
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d}
}
func Any(key string, val any) Field { return Field{Key: key, Value: val} }
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the project-wide logging interface.
type Logger interface {
	// Named returns a child logger with the given component name appended.
	Named(name string) Logger
	// With returns a child logger that includes the provided fields.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// ---- Global logger accessors ----

var (
	globalMu     sync.RWMutex
	globalLogger Logger = FromZap(zap.NewNop())
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger implementation.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ---- zap-backed implementation ----

type zapLogger struct {
	z *zap.Logger
}

// FromZap adapts an existing zap logger.
func FromZap(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return FromZap(zap.NewNop()) }

// NewZap builds a zap logger at the given level ("debug", "info", "warn",
// "error"). Development mode switches to the console encoder.
func NewZap(level string, development bool) (Logger, *zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, err
		}
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return FromZap(z), z, nil
}

func (l *zapLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	return &zapLogger{z: l.z.Named(name)}
}

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(toZap(fields)...)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		switch v := f.Value.(type) {
		case nil:
			out = append(out, zap.Skip())
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		case string:
			out = append(out, zap.String(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case uint64:
			out = append(out, zap.Uint64(f.Key, v))
		case float64:
			out = append(out, zap.Float64(f.Key, v))
		case time.Time:
			out = append(out, zap.Time(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
