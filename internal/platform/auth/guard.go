// Package auth verifies callers of the internal maintenance routes. Cloud Scheduler jobs present
// Google-signed OIDC tokens and operators sign requests with a shared HMAC key. A verified
// caller is recorded as the app actor on the request context.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/httpx"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
)

// Verification kinds reported to MetricsRecorder.
const (
	KindOIDC = "oidc"
	KindHMAC = "hmac"
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// Middleware is the shape shared by every guard in this package.
type Middleware = func(http.Handler) http.Handler

// RequireInternalCaller admits a request verified by either method. Requests carrying a
// signature header go through HMAC, everything else through OIDC. A nil method is skipped.
func RequireInternalCaller(bearer, signed Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		var viaBearer, viaSignature http.Handler
		if bearer != nil {
			viaBearer = bearer(next)
		}
		if signed != nil {
			viaSignature = signed(next)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case viaSignature != nil && strings.TrimSpace(r.Header.Get(SignatureHeader)) != "":
				viaSignature.ServeHTTP(w, r)
			case viaBearer != nil:
				viaBearer.ServeHTTP(w, r)
			case viaSignature != nil:
				viaSignature.ServeHTTP(w, r)
			default:
				deny(w, r, http.StatusServiceUnavailable, "verification_unavailable", "internal caller verification not configured")
			}
		})
	}
}

func withCaller(r *http.Request, appID string) *http.Request {
	ctx := requestctx.WithActor(r.Context(), domain.Actor{AppID: appID})
	requestctx.Logger(ctx).Debug("internal caller verified", zap.String("app", appID))
	return r.WithContext(ctx)
}

func deny(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func record(ctx context.Context, metrics MetricsRecorder, kind string, success bool, reason string, start, end time.Time) {
	if metrics == nil {
		return
	}
	metrics.RecordVerification(ctx, kind, success, reason, end.Sub(start))
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
