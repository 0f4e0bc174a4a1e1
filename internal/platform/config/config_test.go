package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Storage.Driver != StorageMemory {
		t.Errorf("expected memory storage by default, got %s", cfg.Storage.Driver)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("expected no kafka brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.WebhookTopic != defaultKafkaWebhookTopic {
		t.Errorf("unexpected webhook topic %s", cfg.Kafka.WebhookTopic)
	}
	if !cfg.Payments.DummyEnabled {
		t.Errorf("expected dummy gateway enabled by default")
	}
	if cfg.Commerce != domain.DefaultSettings() {
		t.Errorf("expected default commerce settings, got %+v", cfg.Commerce)
	}
	if cfg.Taxes.Enabled {
		t.Errorf("expected taxes disabled by default")
	}
	if !cfg.Taxes.ChargeTaxesOnShipping {
		t.Errorf("expected shipping to be taxed by default")
	}
	if cfg.Worker.SweepInterval != time.Minute {
		t.Errorf("unexpected sweep interval %s", cfg.Worker.SweepInterval)
	}
	if cfg.Observability.Environment != "local" {
		t.Errorf("expected default environment local, got %s", cfg.Observability.Environment)
	}
	if cfg.Internal.Enabled() {
		t.Errorf("expected internal routes unguarded locally, got %+v", cfg.Internal)
	}
	if cfg.Internal.OIDCJWKSURL != defaultJWKSURL || cfg.Internal.HMACClockSkew != 5*time.Minute {
		t.Errorf("unexpected internal auth defaults %+v", cfg.Internal)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERS_SERVER_PORT":                  "9090",
		"ORDERS_SERVER_IDLE_TIMEOUT":          "2m",
		"ORDERS_STORAGE_DRIVER":               "MySQL",
		"ORDERS_STORAGE_DSN":                  "secret://mysql/dsn",
		"ORDERS_STORAGE_MAX_OPEN_CONNS":       "40",
		"ORDERS_STORAGE_MIGRATE":              "false",
		"ORDERS_REDIS_ADDR":                   "localhost:6379",
		"ORDERS_REDIS_PASSWORD":               "secret://redis/password",
		"ORDERS_REDIS_DB":                     "2",
		"ORDERS_KAFKA_BROKERS":                "kafka-1:9092, kafka-2:9092",
		"ORDERS_KAFKA_WEBHOOK_TOPIC":          "webhooks",
		"ORDERS_GCP_PROJECT_ID":               "orders-prod",
		"ORDERS_STRIPE_API_KEY":               "secret://stripe/api",
		"ORDERS_STRIPE_WEBHOOK_SECRET":        "secret://stripe/webhook",
		"ORDERS_STRIPE_CURRENCIES":            "usd,eur",
		"ORDERS_PAYMENTS_DUMMY_ENABLED":       "false",
		"ORDERS_DEFAULT_COUNTRY":              "de",
		"ORDERS_AUTO_CONFIRM_NEW_ORDERS":      "false",
		"ORDERS_RESERVE_STOCK_ANONYMOUS":      "15m",
		"ORDERS_LIMIT_QUANTITY_PER_CHECKOUT":  "10",
		"ORDERS_GIFT_CARD_EXPIRY_TYPE":        "expiry_period",
		"ORDERS_GIFT_CARD_EXPIRY_PERIOD_TYPE": "month",
		"ORDERS_GIFT_CARD_EXPIRY_PERIOD":      "6",
		"ORDERS_APPLY_ONCE_PER_ORDER_SCOPE":   "cheapest_line",
		"ORDERS_TAX_ENABLED":                  "true",
		"ORDERS_TAX_DEFAULT_RATE":             "10",
		"ORDERS_TAX_RATES":                    "de=19, fr=20",
		"ORDERS_ENVIRONMENT":                  "Prod",
		"ORDERS_INTERNAL_OIDC_AUDIENCE":       "https://orders.example.com",
		"ORDERS_INTERNAL_OIDC_ALLOWED_EMAILS": "scheduler@orders-prod.iam.gserviceaccount.com",
		"ORDERS_INTERNAL_HMAC_SECRET":         "secret://internal/hmac",
	}

	secrets := map[string]string{
		"secret://mysql/dsn":      "orders:pw@tcp(db:3306)/orders",
		"secret://redis/password": "redis-pw",
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://internal/hmac":  "ops-shared-key",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Storage.Driver != StorageMySQL {
		t.Errorf("expected mysql driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "orders:pw@tcp(db:3306)/orders" {
		t.Errorf("expected resolved dsn, got %s", cfg.Storage.DSN)
	}
	if cfg.Storage.MaxOpenConns != 40 || cfg.Storage.MigrateOnStart {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Redis.Password != "redis-pw" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.PubSub.ProjectID != "orders-prod" {
		t.Errorf("expected pubsub project to default to deployment project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Payments.StripeAPIKey != "stripe-key" || cfg.Payments.StripeWebhookSecret != "stripe-webhook" {
		t.Errorf("expected resolved stripe secrets, got %+v", cfg.Payments)
	}
	if len(cfg.Payments.StripeCurrencies) != 2 || cfg.Payments.StripeCurrencies[0] != "USD" {
		t.Errorf("unexpected stripe currencies %v", cfg.Payments.StripeCurrencies)
	}
	if cfg.Commerce.DefaultCountry != "DE" {
		t.Errorf("unexpected default country %s", cfg.Commerce.DefaultCountry)
	}
	if cfg.Commerce.AutomaticallyConfirmAllNewOrders {
		t.Errorf("expected auto confirm disabled")
	}
	if cfg.Commerce.ReserveStockDurationAnonymous != 15*time.Minute {
		t.Errorf("unexpected reservation duration %s", cfg.Commerce.ReserveStockDurationAnonymous)
	}
	if cfg.Commerce.LimitQuantityPerCheckout != 10 {
		t.Errorf("unexpected quantity limit %d", cfg.Commerce.LimitQuantityPerCheckout)
	}
	if cfg.Commerce.GiftCardExpiryType != domain.GiftCardExpiryPeriod || cfg.Commerce.GiftCardExpiryPeriodType != domain.PeriodMonth || cfg.Commerce.GiftCardExpiryPeriod != 6 {
		t.Errorf("unexpected gift card expiry %+v", cfg.Commerce)
	}
	if cfg.Commerce.ApplyOncePerOrderScope != domain.ApplyOnceCheapestLine {
		t.Errorf("unexpected apply once scope %s", cfg.Commerce.ApplyOncePerOrderScope)
	}
	if !cfg.Taxes.DefaultRate.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected default tax rate %s", cfg.Taxes.DefaultRate)
	}
	if len(cfg.Taxes.Rates) != 2 || !cfg.Taxes.Rates["DE"].Equal(decimal.NewFromInt(19)) {
		t.Errorf("unexpected tax rates %v", cfg.Taxes.Rates)
	}
	if cfg.Observability.Environment != "prod" {
		t.Errorf("expected environment prod, got %s", cfg.Observability.Environment)
	}
	if cfg.Internal.HMACSecret != "ops-shared-key" || cfg.Internal.OIDCAudience != "https://orders.example.com" {
		t.Errorf("unexpected internal auth config %+v", cfg.Internal)
	}
	if len(cfg.Internal.OIDCAllowedEmails) != 1 || len(cfg.Internal.OIDCIssuers) != 2 {
		t.Errorf("unexpected internal auth lists %+v", cfg.Internal)
	}
}

func TestLoadRequiresInternalAuthInProduction(t *testing.T) {
	env := map[string]string{"ORDERS_ENVIRONMENT": "production"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	env["ORDERS_INTERNAL_HMAC_SECRET"] = "plain-shared-key"
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_SERVER_PORT=7070\nexport ORDERS_DEFAULT_COUNTRY=\"PL\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Commerce.DefaultCountry != "PL" {
		t.Errorf("expected default country from dotenv, got %s", cfg.Commerce.DefaultCountry)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	env := map[string]string{
		"ORDERS_STORAGE_DRIVER":             "mysql",
		"ORDERS_APPLY_ONCE_PER_ORDER_SCOPE": "everything",
		"ORDERS_GIFT_CARD_EXPIRY_TYPE":      "expiry_period",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	want := map[string]bool{
		"Storage.DSN":                       false,
		"Commerce.ApplyOncePerOrderScope":   false,
		"Commerce.GiftCardExpiryPeriod":     false,
		"Commerce.GiftCardExpiryPeriodType": false,
	}
	for _, field := range validation.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in %v", field, validation.Fields())
		}
	}
}

func TestLoadRejectsUnknownStorageDriver(t *testing.T) {
	env := map[string]string{"ORDERS_STORAGE_DRIVER": "cassandra"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Storage.Driver" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadRequiresAGateway(t *testing.T) {
	env := map[string]string{"ORDERS_PAYMENTS_DUMMY_ENABLED": "false"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Payments.StripeAPIKey" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"ORDERS_STRIPE_API_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_GCP_PROJECT_ID=dot-project\nORDERS_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("ORDERS_GCP_PROJECT_ID", "os-project")
	t.Setenv("ORDERS_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"ORDERS_GCP_PROJECT_ID":      "override-project",
		"ORDERS_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["ORDERS_GCP_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["ORDERS_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["ORDERS_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["ORDERS_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Payments.StripeWebhookSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Payments.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Storage.DSN" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Storage.DSN"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"ORDERS_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Payments.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Payments.StripeWebhookSecret)
	}
}

func TestLoadReportsMalformedValues(t *testing.T) {
	env := map[string]string{
		"ORDERS_REDIS_DB":                    "two",
		"ORDERS_SERVER_READ_TIMEOUT":         "15",
		"ORDERS_TAX_ENABLED":                 "maybe",
		"ORDERS_TAX_RATES":                   "DE=19,FR,PL=x",
		"ORDERS_LIMIT_QUANTITY_PER_CHECKOUT": " ",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"ORDERS_SERVER_READ_TIMEOUT", "ORDERS_REDIS_DB", "ORDERS_TAX_ENABLED", "ORDERS_TAX_RATES"}
	got := validation.Fields()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
