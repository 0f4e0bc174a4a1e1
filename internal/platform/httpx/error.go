// Package httpx writes the JSON bodies shared by the probe, metrics and internal endpoints.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
)

// Error is the error body. Code is a stable snake_case identifier clients may switch on.
type Error struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func NewError(code, message string, status int) Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{Code: oneLine(code, 80), Message: oneLine(message, 512), Status: status}
}

// WriteError writes err, filling the request and trace ids from ctx when unset.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	if err.RequestID == "" {
		err.RequestID = oneLine(middleware.GetReqID(ctx), 80)
	}
	if err.TraceID == "" {
		err.TraceID = requestctx.TraceID(ctx)
	}
	WriteJSON(w, err.Status, err)
}

// WriteJSON encodes body with status. Encoding errors are dropped since the header is already sent.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func oneLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
