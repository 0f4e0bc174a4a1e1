package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
)

func TestWriteErrorFillsIdsFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("checkout_locked", "completion\nin progress", http.StatusConflict))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "checkout_locked", body["error"])
	assert.Equal(t, "completion in progress", body["message"])
	assert.EqualValues(t, http.StatusConflict, body["status"])
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "trace-1", body["trace_id"])
}

func TestNewErrorRejectsNonErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, NewError("x", "y", http.StatusOK).Status)
	assert.Equal(t, http.StatusTeapot, NewError("x", "y", http.StatusTeapot).Status)
}

func TestWriteErrorOmitsMissingIds(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("route_not_found", "no route", http.StatusNotFound))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "request_id")
	assert.NotContains(t, body, "trace_id")
}
