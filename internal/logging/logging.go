// Package logging wraps go.uber.org/zap behind the same call shape orchid's
// ectologger.Logger exposes (WithContext/WithError/WithFields + Infof-style
// methods), so the rest of this codebase reads the way orchid's handlers and
// repositories do. ectologger itself is an internal Gobusters module not
// fetchable outside the teacher's org, so it's rebuilt directly on zap here.
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface used throughout this codebase.
type Logger interface {
	WithContext(ctx context.Context) Logger
	WithError(err error) Logger
	WithFields(fields map[string]any) Logger
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. jsonFormat selects zap's production (JSON) encoder
// over the human-readable development console encoder.
func New(level string, jsonFormat bool) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if !jsonFormat {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.Level = lvl

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: zl.Sugar()}, nil
}

func (z *zapLogger) WithContext(ctx context.Context) Logger {
	fields := map[string]any{}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if len(fields) == 0 {
		return z
	}
	return z.WithFields(fields)
}

func (z *zapLogger) WithError(err error) Logger {
	return &zapLogger{sugar: z.sugar.With("error", err)}
}

func (z *zapLogger) WithFields(fields map[string]any) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &zapLogger{sugar: z.sugar.With(args...)}
}

func (z *zapLogger) Debugf(format string, args ...any) { z.sugar.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...any)  { z.sugar.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...any)  { z.sugar.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.sugar.Errorf(format, args...) }
