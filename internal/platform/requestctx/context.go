// Package requestctx carries the per-request logger, trace ids and acting staff user or app.
package requestctx

import (
	"context"

	"go.uber.org/zap"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

type (
	loggerKey struct{}
	traceKey  struct{}
	actorKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo is the trace a request belongs to.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// LoggingTrace formats the trace as the Cloud Logging trace resource, or "" without a project.
func (t TraceInfo) LoggingTrace() string {
	if t.ProjectID == "" || t.TraceID == "" {
		return ""
	}
	return "projects/" + t.ProjectID + "/traces/" + t.TraceID
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
			return logger
		}
	}
	return nop
}

// HasLogger reports whether a logger was attached to ctx.
func HasLogger(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	return ok
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithActor records the staff user or app performing the operation. Customer calls carry no actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the zero actor when none was recorded.
func Actor(ctx context.Context) domain.Actor {
	if ctx == nil {
		return domain.Actor{}
	}
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}
