package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func marker(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Verified-By", name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestRequireInternalCallerRoutesBySignatureHeader(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guard := RequireInternalCaller(marker("oidc"), marker("hmac"))(ok)

	signed := httptest.NewRequest(http.MethodPost, "/internal/reservations:sweep", nil)
	signed.Header.Set(SignatureHeader, "abc")
	rr := httptest.NewRecorder()
	guard.ServeHTTP(rr, signed)
	assert.Equal(t, "hmac", rr.Header().Get("X-Verified-By"))

	rr = httptest.NewRecorder()
	guard.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/reservations:sweep", nil))
	assert.Equal(t, "oidc", rr.Header().Get("X-Verified-By"))
}

func TestRequireInternalCallerFallsBackToConfiguredMethod(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	RequireInternalCaller(nil, marker("hmac"))(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, "hmac", rr.Header().Get("X-Verified-By"))

	rr = httptest.NewRecorder()
	RequireInternalCaller(nil, nil)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "verification_unavailable")
}
