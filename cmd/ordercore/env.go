package main

import (
	"cmp"
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/i-super/Saleor-sub000/internal/platform/config"
	"github.com/i-super/Saleor-sub000/internal/platform/secrets"
)

// secretSettings are the ORDERS_SECRET_* knobs read before config.Load, since Load needs the
// fetcher to resolve secret:// values.
type secretSettings struct {
	environment    string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackFile   string
	credentials    string
}

func secretSettingsFromEnv(env map[string]string) secretSettings {
	get := func(key string) string { return strings.TrimSpace(env[key]) }
	s := secretSettings{
		environment:    cmp.Or(strings.ToLower(get("ORDERS_ENVIRONMENT")), "local"),
		defaultProject: cmp.Or(get("ORDERS_SECRET_DEFAULT_PROJECT_ID"), get("ORDERS_GCP_PROJECT_ID")),
		projects:       pairs(get("ORDERS_SECRET_PROJECT_IDS")),
		pins:           map[string]string{},
		fallbackFile:   cmp.Or(get("ORDERS_SECRET_FALLBACK_FILE"), ".secrets.local.yaml"),
		credentials:    get("ORDERS_GCP_CREDENTIALS_FILE"),
	}
	// Pins are "[env:]name=version"; names may carry the secret:// or sm:// scheme.
	for key, version := range pairs(get("ORDERS_SECRET_VERSION_PINS")) {
		label, name := splitPinLabel(key)
		if !strings.Contains(name, "://") {
			name = "secret://" + name
		}
		ref, err := secrets.ParseReference(name)
		if err != nil {
			continue
		}
		if label != "" {
			s.pins[label+":"+ref.Canonical()] = version
			continue
		}
		s.pins[ref.Canonical()] = version
	}
	return s
}

func (s secretSettings) options(logger *zap.Logger) []secrets.Option {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithEnvironment(s.environment),
		secrets.WithDefaultProject(s.defaultProject),
		secrets.WithProjectMap(s.projects),
		secrets.WithVersionPins(s.pins),
		secrets.WithFallbackFile(s.fallbackFile),
	}
	if s.credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(s.credentials)))
	}
	return opts
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	return secrets.NewFetcher(ctx, secretSettingsFromEnv(env).options(logger)...)
}

// requiredSecretNames lists the config fields that must resolve to a value before the
// service starts.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["ORDERS_STORAGE_DRIVER"]), config.StorageMySQL) {
		required = append(required, "Storage.DSN")
	}
	switch strings.ToLower(strings.TrimSpace(env["ORDERS_ENVIRONMENT"])) {
	case "prod", "production":
		required = append(required, "Payments.StripeAPIKey", "Payments.StripeWebhookSecret")
	}
	return required
}

// splitPinLabel separates an optional "env:" prefix without mistaking a URI scheme for it.
func splitPinLabel(key string) (string, string) {
	colon := strings.IndexByte(key, ':')
	if colon <= 0 || strings.HasPrefix(key[colon:], "://") {
		return "", key
	}
	return strings.ToLower(key[:colon]), strings.TrimSpace(key[colon+1:])
}

// pairs parses "k=v,k2=v2", skipping entries with an empty side.
func pairs(raw string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(entry, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
