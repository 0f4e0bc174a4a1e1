// Package secrets resolves secret:// references against Google Secret Manager, falling back to
// a local YAML file when the manager is unreachable or no project is configured.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

const (
	defaultCacheTTL = 10 * time.Minute
	meterName       = "github.com/i-super/Saleor-sub000/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (managerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type managerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves and caches secret values.
type Fetcher struct {
	client     managerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	ttl            time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	group   singleflight.Group
	mu      sync.RWMutex
	cache   map[string]cached
	latency metric.Float64Histogram
}

type cached struct {
	value     string
	expiresAt time.Time
}

// Option customises NewFetcher.
type Option func(*Fetcher, *[]option.ClientOption)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the deployment label used for project and pin lookups.
func WithEnvironment(env string) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		f.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when the environment has no mapping.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		f.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		for env, project := range projects {
			f.projects[strings.ToLower(env)] = project
		}
	}
}

// WithVersionPins pins canonical references, optionally prefixed with "env:", to a version.
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		for ref, version := range pins {
			f.pins[ref] = strings.TrimSpace(version)
		}
	}
}

// WithFallbackFile points at the local YAML file mapping secret names to values.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a resolved value is reused before Secret Manager is asked again.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(_ *Fetcher, clientOpts *[]option.ClientOption) {
		*clientOpts = append(*clientOpts, opts...)
	}
}

func withClient(client managerClient) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		f.client = client
	}
}

func withClock(now func() time.Time) Option {
	return func(f *Fetcher, _ *[]option.ClientOption) {
		f.now = now
	}
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher
// in fallback-only mode rather than failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:   zap.NewNop(),
		now:      time.Now,
		env:      "local",
		projects: make(map[string]string),
		pins:     make(map[string]string),
		ttl:      defaultCacheTTL,
		cache:    make(map[string]cached),
	}
	var clientOpts []option.ClientOption
	for _, opt := range opts {
		if opt != nil {
			opt(f, &clientOpts)
		}
	}

	latency, err := otel.GetMeterProvider().Meter(meterName).Float64Histogram(
		"secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference by source."),
	)
	if err != nil {
		f.logger.Warn("secrets: latency histogram unavailable", zap.Error(err))
	}
	f.latency = latency

	if f.client == nil && f.project(Reference{}) != "" {
		client, err := newSecretManagerClient(ctx, clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.Canonical() + "#" + version

	if value, ok := f.cached(key); ok {
		f.observe(ctx, start, "cache")
		return value, nil
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, ref, version)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[key] = cached{value: value, expiresAt: f.now().Add(f.ttl)}
		f.mu.Unlock()
		f.observe(ctx, start, source)
		return value, nil
	})
	if err != nil {
		f.observe(ctx, start, "error")
		return "", err
	}
	return result.(string), nil
}

func (f *Fetcher) load(ctx context.Context, ref Reference, version string) (string, string, error) {
	if project := f.project(ref); project != "" && f.client != nil {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: resourceName(project, ref, version),
		})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "", fmt.Errorf("secrets: empty payload for %s", ref.Canonical())
		case !recoverable(err):
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.Canonical(), err)
		}
		f.logger.Debug("secrets: secret manager unreachable, trying fallback file", zap.String("secret", ref.Name), zap.Error(err))
	}

	value, ok, err := f.lookupFallback(ref, version)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("secrets: %s not found in fallback file", ref.Canonical())
	}
	return value, "fallback", nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok || !f.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if project := strings.TrimSpace(f.projects[f.env]); project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := f.pins[f.env+":"+ref.Canonical()]; pin != "" {
		return pin
	}
	if pin := f.pins[ref.Canonical()]; pin != "" {
		return pin
	}
	return latestVersion
}

// lookupFallback reads the YAML fallback file once. Keys are secret names, optionally suffixed
// with "@version" to override a single version.
func (f *Fetcher) lookupFallback(ref Reference, version string) (string, bool, error) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		data, err := os.ReadFile(f.fallbackPath)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			f.fallbackErr = fmt.Errorf("secrets: read fallback file: %w", err)
			return
		}
		raw := map[string]string{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			f.fallbackErr = fmt.Errorf("secrets: parse fallback file %s: %w", f.fallbackPath, err)
			return
		}
		for key, value := range raw {
			name := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(key), "secret://"), "sm://")
			f.fallback[name] = value
		}
	})
	if f.fallbackErr != nil {
		return "", false, f.fallbackErr
	}
	if value, ok := f.fallback[ref.Name+"@"+version]; ok {
		return value, true, nil
	}
	value, ok := f.fallback[ref.Name]
	return value, ok, nil
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	elapsed := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

// recoverable reports whether the fallback file may stand in for Secret Manager. A missing
// secret is a configuration error and is never masked.
func recoverable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
