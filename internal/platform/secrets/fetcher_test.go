package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeManager struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	calls  map[string]int
}

func newFakeManager() *fakeManager {
	return &fakeManager{values: map[string]string{}, calls: map[string]int{}}
}

func (m *fakeManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.GetName()]++
	if m.err != nil {
		return nil, m.err
	}
	value, ok := m.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (m *fakeManager) Close() error { return nil }

func (m *fakeManager) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolveCachesRemoteSecretUntilTTL(t *testing.T) {
	ctx := context.Background()
	manager := newFakeManager()
	resource := "projects/orders-prod/secrets/stripe_api/versions/latest"
	manager.values[resource] = "sk_live_1"

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		withClient(manager),
		withClock(func() time.Time { return now }),
		WithDefaultProject("orders-prod"),
		WithCacheTTL(time.Minute),
	)
	require.NoError(t, err)
	defer fetcher.Close()

	for range 3 {
		value, err := fetcher.Resolve(ctx, "secret://stripe/api")
		require.NoError(t, err)
		assert.Equal(t, "sk_live_1", value)
	}
	assert.Equal(t, 1, manager.callCount(resource))

	manager.values[resource] = "sk_live_2"
	now = now.Add(2 * time.Minute)
	value, err := fetcher.Resolve(ctx, "sm://stripe/api")
	require.NoError(t, err)
	assert.Equal(t, "sk_live_2", value)
	assert.Equal(t, 2, manager.callCount(resource))
}

func TestResolveFallsBackWhenManagerUnreachable(t *testing.T) {
	ctx := context.Background()
	manager := newFakeManager()
	manager.err = status.Error(codes.Unavailable, "connection refused")

	fetcher, err := NewFetcher(ctx,
		withClient(manager),
		WithDefaultProject("orders-prod"),
		WithFallbackFile(writeFallback(t, "mysql/dsn: orders:pw@tcp(db:3306)/orders\n")),
	)
	require.NoError(t, err)

	value, err := fetcher.Resolve(ctx, "secret://mysql/dsn")
	require.NoError(t, err)
	assert.Equal(t, "orders:pw@tcp(db:3306)/orders", value)
}

func TestResolveDoesNotMaskMissingSecrets(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx,
		withClient(newFakeManager()),
		WithDefaultProject("orders-prod"),
		WithFallbackFile(writeFallback(t, "stripe/api: local-key\n")),
	)
	require.NoError(t, err)

	_, err = fetcher.Resolve(ctx, "secret://stripe/api")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestResolveUsesEnvironmentPinsAndProjects(t *testing.T) {
	ctx := context.Background()
	manager := newFakeManager()
	manager.values["projects/orders-staging/secrets/stripe_webhook/versions/7"] = "whsec_staging"

	fetcher, err := NewFetcher(ctx,
		withClient(manager),
		WithEnvironment("Staging"),
		WithDefaultProject("orders-prod"),
		WithProjectMap(map[string]string{"staging": "orders-staging"}),
		WithVersionPins(map[string]string{
			"staging:secret://stripe/webhook": "7",
			"secret://stripe/webhook":         "3",
		}),
	)
	require.NoError(t, err)

	value, err := fetcher.Resolve(ctx, "secret://stripe/webhook")
	require.NoError(t, err)
	assert.Equal(t, "whsec_staging", value)
}

func TestFallbackFileVersionOverride(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx, WithFallbackFile(writeFallback(t, `
secret://internal/hmac: current
internal/hmac@2: previous
`)))
	require.NoError(t, err)

	value, err := fetcher.Resolve(ctx, "secret://internal/hmac")
	require.NoError(t, err)
	assert.Equal(t, "current", value)

	value, err = fetcher.Resolve(ctx, "secret://internal/hmac?version=2")
	require.NoError(t, err)
	assert.Equal(t, "previous", value)

	_, err = fetcher.Resolve(ctx, "secret://unknown")
	assert.Error(t, err)
}

func TestNewFetcherWithoutProjectSkipsSecretManager(t *testing.T) {
	original := newSecretManagerClient
	t.Cleanup(func() { newSecretManagerClient = original })
	called := false
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (managerClient, error) {
		called = true
		return newFakeManager(), nil
	}

	fetcher, err := NewFetcher(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.NoError(t, fetcher.Close())
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("secret://payments/stripe?version=4&project=other")
	require.NoError(t, err)
	assert.Equal(t, Reference{Name: "payments/stripe", Version: "4", Project: "other"}, ref)
	assert.Equal(t, "secret://payments/stripe", ref.Canonical())

	for _, raw := range []string{"", "https://example.com/x", "secret://"} {
		_, err := ParseReference(raw)
		assert.Error(t, err, raw)
	}
}
