package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), domain.Actor{UserID: "staff-1"})
	assert.Equal(t, domain.Actor{UserID: "staff-1"}, Actor(ctx))
	assert.Equal(t, domain.Actor{}, Actor(context.Background()))
}

func TestLoggerFallsBackToNop(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, Logger(ctx))
	assert.False(t, HasLogger(ctx))

	logger := zap.NewExample()
	ctx = WithLogger(ctx, logger)
	assert.Same(t, logger, Logger(ctx))
	assert.True(t, HasLogger(ctx))
}

func TestTraceInfo(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", ProjectID: "orders-prod"})
	assert.Equal(t, "abc", TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))

	info, ok := Trace(ctx)
	assert.True(t, ok)
	assert.Equal(t, "projects/orders-prod/traces/abc", info.LoggingTrace())
	assert.Empty(t, TraceInfo{TraceID: "abc"}.LoggingTrace())
}
