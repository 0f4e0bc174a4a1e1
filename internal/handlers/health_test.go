package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	started := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2.3.0", CommitSHA: "9f1c2d", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(90 * time.Second) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"status":      domain.HealthStatusOK,
		"uptime":      "1m30s",
		"timestamp":   "2025-05-02T09:01:30Z",
		"version":     "2.3.0",
		"commitSha":   "9f1c2d",
		"environment": "staging",
	}
	if !reflect.DeepEqual(body, want) {
		t.Fatalf("unexpected body\nwant %v\n got %v", want, body)
	}
}

func TestReadyz(t *testing.T) {
	now := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		svc         services.SystemService
		wantStatus  int
		wantState   string
		wantDetails []string
		wantError   string
	}{
		{
			name:       "no system service",
			wantStatus: http.StatusOK,
			wantState:  domain.HealthStatusOK,
		},
		{
			name: "all checks pass",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"mysql": {Status: domain.HealthStatusOK, Latency: 4 * time.Millisecond, CheckedAt: now},
					"redis": {Status: domain.HealthStatusOK, Latency: time.Millisecond, CheckedAt: now},
				},
			}},
			wantStatus: http.StatusOK,
			wantState:  domain.HealthStatusOK,
		},
		{
			name: "degraded dependencies are listed in name order",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"redis":  {Status: domain.HealthStatusDegraded, Error: "dial timeout"},
					"kafka":  {Status: domain.HealthStatusDegraded, Error: "no brokers"},
					"pubsub": {Status: domain.HealthStatusOK},
				},
			}},
			wantStatus:  http.StatusServiceUnavailable,
			wantState:   domain.HealthStatusDegraded,
			wantDetails: []string{"kafka: no brokers", "redis: dial timeout"},
		},
		{
			name:       "report cannot be built",
			svc:        &stubSystemService{err: errors.New("context canceled")},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "health_check_failed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := []HealthOption{WithHealthClock(func() time.Time { return now })}
			if tc.svc != nil {
				opts = append(opts, WithHealthSystemService(tc.svc))
			}
			rr := httptest.NewRecorder()
			NewHealthHandlers(opts...).Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
			var body struct {
				Status      string                  `json:"status"`
				Error       string                  `json:"error"`
				GeneratedAt string                  `json:"generatedAt"`
				Details     []string                `json:"details"`
				Checks      map[string]checkPayload `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tc.wantError != "" {
				if body.Error != tc.wantError {
					t.Fatalf("expected error %q, got %q", tc.wantError, body.Error)
				}
				return
			}
			if body.Status != tc.wantState {
				t.Fatalf("expected state %q, got %q", tc.wantState, body.Status)
			}
			if body.GeneratedAt != "2025-05-02T09:00:00Z" {
				t.Fatalf("expected generatedAt from clock, got %q", body.GeneratedAt)
			}
			if !reflect.DeepEqual(body.Details, tc.wantDetails) {
				t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
			}
		})
	}
}

func TestReadyzReportsCheckLatency(t *testing.T) {
	svc := &stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{"mysql": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond}},
	}}
	rr := httptest.NewRecorder()
	NewHealthHandlers(WithHealthSystemService(svc)).Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body readinessPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.Checks["mysql"].LatencyMS; got != 12 {
		t.Fatalf("expected 12ms latency, got %d", got)
	}
}
