package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// BuildInfo is the release metadata reported by the probes.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{probes: deps.HealthRepository, now: now, build: build}, nil
}

// HealthReport runs the dependency probes and stamps the result with build metadata. Values the
// probes already set win over the build info. Without an explicit status the worst check decides.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now().UTC()

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report, nil
}

var statusSeverity = map[string]int{
	"":                          0,
	domain.HealthStatusOK:       0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		status := check.Status
		if _, known := statusSeverity[status]; !known {
			status = domain.HealthStatusDegraded
		}
		if statusSeverity[status] > statusSeverity[worst] {
			worst = status
		}
	}
	return worst
}
