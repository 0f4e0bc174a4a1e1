// Package observability holds the logging, tracing and metrics plumbing shared by the HTTP
// server, the services and the background worker.
package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
)

// NewLogger builds the process logger. Deployed environments emit Cloud Logging compatible
// JSON; development gets a colored console encoder. An unparsable level falls back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil || strings.TrimSpace(level) == "" {
		lvl = zapcore.InfoLevel
	}

	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

// WithLogger attaches logger to ctx for code running outside an HTTP request.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// ServiceLogger adapts zap to the event logger accepted by services. Events ending in
// ".failed" are logged at warn level, everything else at debug.
func ServiceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+2)
		zFields = append(zFields, zap.String("event", event))
		if id := requestctx.TraceID(ctx); id != "" {
			zFields = append(zFields, zap.String("traceId", id))
		}
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		if strings.HasSuffix(event, ".failed") {
			logger.Warn(event, zFields...)
			return
		}
		logger.Debug(event, zFields...)
	}
}
