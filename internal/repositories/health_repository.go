package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

const defaultProbeTimeout = 2 * time.Second

// Probe pings one backend (database, redis, kafka) during readiness checks.
type Probe struct {
	Name    string
	Timeout time.Duration
	Ping    func(context.Context) error
}

// ProbeOption customises the probe based health repository.
type ProbeOption func(*probeHealthRepository)

// WithProbeTimeout overrides the timeout used by probes that do not set their own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(repo *probeHealthRepository) {
		if timeout > 0 {
			repo.timeout = timeout
		}
	}
}

// WithProbeClock injects the clock used for latency and report timestamps.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(repo *probeHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type probeHealthRepository struct {
	probes  []Probe
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*probeHealthRepository)(nil)

// NewProbeHealthRepository builds a HealthRepository that runs every probe concurrently.
func NewProbeHealthRepository(probes []Probe, opts ...ProbeOption) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("health repository: at least one probe is required")
	}
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" {
			return nil, errors.New("health repository: probe name is required")
		}
		if probe.Ping == nil {
			return nil, fmt.Errorf("health repository: probe %s has no ping function", probe.Name)
		}
	}
	repo := &probeHealthRepository{
		probes:  append([]Probe(nil), probes...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	var (
		mu      sync.Mutex
		results = make(map[string]domain.SystemHealthCheck, len(r.probes))
		group   errgroup.Group
	)
	for _, probe := range r.probes {
		probe := probe
		group.Go(func() error {
			check := r.run(ctx, probe)
			mu.Lock()
			results[probe.Name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	status := domain.HealthStatusOK
	for _, check := range results {
		switch check.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.SystemHealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *probeHealthRepository) run(ctx context.Context, probe Probe) domain.SystemHealthCheck {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := probe.Ping(probeCtx)
	end := r.now()
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}

	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		check.Status = domain.HealthStatusError
		check.Detail = "timeout"
		check.Error = err.Error()
	case errors.Is(err, context.Canceled):
		check.Status = domain.HealthStatusError
		check.Detail = "cancelled"
		check.Error = err.Error()
	default:
		check.Status = domain.HealthStatusDegraded
		check.Detail = err.Error()
		check.Error = err.Error()
	}
	return check
}
