// Package monitoring provides the observability implementations: the
// zap-backed logger, Prometheus metrics, and OpenTelemetry tracing setup.
package monitoring

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger creates the production logger: JSON encoding, ISO8601
// timestamps, caller on every entry and stacktraces from error level up.
func NewZapLogger(cfg *config.LogConfig) (logger.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	return &zapLogger{zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func (z *zapLogger) Debug(ctx context.Context, msg string, fields ...logger.Field) {
	z.l.Debug(msg, z.convert(ctx, fields)...)
}

func (z *zapLogger) Info(ctx context.Context, msg string, fields ...logger.Field) {
	z.l.Info(msg, z.convert(ctx, fields)...)
}

func (z *zapLogger) Warn(ctx context.Context, msg string, fields ...logger.Field) {
	z.l.Warn(msg, z.convert(ctx, fields)...)
}

func (z *zapLogger) Error(ctx context.Context, msg string, err error, fields ...logger.Field) {
	zf := z.convert(ctx, fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.l.Error(msg, zf...)
}

func (z *zapLogger) Fatal(ctx context.Context, msg string, err error, fields ...logger.Field) {
	zf := z.convert(ctx, fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.l.Fatal(msg, zf...)
}

func (z *zapLogger) WithFields(fields ...logger.Field) logger.Logger {
	zf := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	return &zapLogger{z.l.With(zf...)}
}

func (z *zapLogger) WithComponent(component string) logger.Logger {
	return &zapLogger{z.l.With(zap.String("component", component))}
}

// convert merges explicit fields with trace and request-id context so every
// entry can be correlated across the distributed instances.
func (z *zapLogger) convert(ctx context.Context, fields []logger.Field) []zap.Field {
	zf := make([]zap.Field, 0, len(fields)+3)

	if ctx != nil {
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			zf = append(zf,
				zap.String("trace_id", span.SpanContext().TraceID().String()),
				zap.String("span_id", span.SpanContext().SpanID().String()),
			)
		}
		if requestID, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && requestID != "" {
			zf = append(zf, zap.String("request_id", requestID))
		}
	}

	for _, f := range fields {
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	return zf
}
