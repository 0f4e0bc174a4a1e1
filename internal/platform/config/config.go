// Package config loads ordercore settings from ORDERS_* environment variables, an optional
// .env file and Secret Manager references.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultEnvironment         = "local"
	defaultStorageDriver       = StorageMemory
	defaultMaxOpenConns        = 20
	defaultMaxIdleConns        = 5
	defaultConnMaxLifetime     = 30 * time.Minute
	defaultKafkaWebhookTopic   = "order-webhooks"
	defaultNotificationTopic   = "order-notifications"
	defaultBreakerFailures     = 5
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultSweepInterval       = time.Minute
	defaultLockTTL             = 30 * time.Second
	defaultDummyGatewayEnabled = true
	defaultHMACClockSkew       = 5 * time.Minute
	defaultJWKSURL             = "https://www.googleapis.com/oauth2/v3/certs"
)

// Storage drivers accepted by ORDERS_STORAGE_DRIVER.
const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

// Config is the resolved runtime configuration of ordercore, one struct per concern.
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	PubSub        PubSubConfig
	Payments      PaymentsConfig
	Commerce      domain.Settings
	Taxes         TaxConfig
	Worker        WorkerConfig
	Internal      InternalAuthConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
	// FixturesFile seeds the memory backend with channels, catalogue and stock.
	FixturesFile string
}

// RedisConfig configures the optional distributed checkout lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// KafkaConfig configures webhook delivery. Webhooks are dropped when no brokers are set.
type KafkaConfig struct {
	Brokers      []string
	WebhookTopic string
}

// PubSubConfig configures customer notification publishing.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
}

// PaymentsConfig configures gateways.
type PaymentsConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeCurrencies    []string
	DummyEnabled        bool
	DummyCurrencies     []string
	BreakerFailures     int
	BreakerOpenTimeout  time.Duration
}

// TaxConfig configures the flat rate tax plugin. Rates are percentages.
type TaxConfig struct {
	Enabled               bool
	DefaultRate           decimal.Decimal
	Rates                 map[string]decimal.Decimal
	PricesEnteredWithTax  bool
	ChargeTaxesOnShipping bool
}

// WorkerConfig configures background maintenance.
type WorkerConfig struct {
	SweepInterval time.Duration
}

// InternalAuthConfig decides who may call the /internal maintenance routes. OIDC admits
// scheduler service accounts and HMAC admits signed operator calls. With neither set the
// routes are open, which validation only allows outside production.
type InternalAuthConfig struct {
	OIDCAudience      string
	OIDCIssuers       []string
	OIDCJWKSURL       string
	OIDCAllowedEmails []string
	HMACSecret        string
	HMACClockSkew     time.Duration
}

// Enabled reports whether any verification method is configured.
func (c InternalAuthConfig) Enabled() bool {
	return c.OIDCAudience != "" || c.HMACSecret != ""
}

// ObservabilityConfig carries deployment identity reported by health checks and logs.
type ObservabilityConfig struct {
	Environment string
	Version     string
	CommitSHA   string
	ProjectID   string
}

// ValidationError lists config fields, or ORDERS_* keys holding unparsable values, that
// failed validation.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile reads local overrides from path instead of .env. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret fields, such as "Payments.StripeAPIKey" or
// "Internal.HMACSecret", that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with the *MissingSecretsError instead of
// returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// EnvironmentValues returns the merged key/value view Load reads from, so components needed
// before Load (the secret fetcher) see the same inputs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	l, err := newLayers(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return l.flatten(), nil
}

// Load reads, resolves and validates the configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	l, err := newLayers(o)
	if err != nil {
		return Config{}, err
	}
	r := &reader{lookup: l.lookup}
	defaults := domain.DefaultSettings()

	cfg := Config{
		Server: ServerConfig{
			Port:            r.str("ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:     r.dur("ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    r.dur("ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     r.dur("ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: r.dur("ORDERS_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Storage: StorageConfig{
			Driver:          r.lower("ORDERS_STORAGE_DRIVER", defaultStorageDriver),
			DSN:             r.str("ORDERS_STORAGE_DSN", ""),
			MaxOpenConns:    r.integer("ORDERS_STORAGE_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    r.integer("ORDERS_STORAGE_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: r.dur("ORDERS_STORAGE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			MigrateOnStart:  r.flag("ORDERS_STORAGE_MIGRATE", true),
			FixturesFile:    r.str("ORDERS_STORAGE_FIXTURES", ""),
		},
		Redis: RedisConfig{
			Addr:     r.str("ORDERS_REDIS_ADDR", ""),
			Password: r.str("ORDERS_REDIS_PASSWORD", ""),
			DB:       r.integer("ORDERS_REDIS_DB", 0),
			LockTTL:  r.dur("ORDERS_REDIS_LOCK_TTL", defaultLockTTL),
		},
		Kafka: KafkaConfig{
			Brokers:      r.list("ORDERS_KAFKA_BROKERS"),
			WebhookTopic: r.str("ORDERS_KAFKA_WEBHOOK_TOPIC", defaultKafkaWebhookTopic),
		},
		PubSub: PubSubConfig{
			ProjectID:         r.str("ORDERS_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: r.str("ORDERS_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:        r.str("ORDERS_STRIPE_API_KEY", ""),
			StripeWebhookSecret: r.str("ORDERS_STRIPE_WEBHOOK_SECRET", ""),
			StripeCurrencies:    r.upperList("ORDERS_STRIPE_CURRENCIES"),
			DummyEnabled:        r.flag("ORDERS_PAYMENTS_DUMMY_ENABLED", defaultDummyGatewayEnabled),
			DummyCurrencies:     r.upperList("ORDERS_PAYMENTS_DUMMY_CURRENCIES"),
			BreakerFailures:     r.integer("ORDERS_PAYMENTS_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerOpenTimeout:  r.dur("ORDERS_PAYMENTS_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
		},
		Commerce: domain.Settings{
			DefaultCountry:                    strings.ToUpper(r.str("ORDERS_DEFAULT_COUNTRY", defaults.DefaultCountry)),
			AutomaticallyConfirmAllNewOrders:  r.flag("ORDERS_AUTO_CONFIRM_NEW_ORDERS", defaults.AutomaticallyConfirmAllNewOrders),
			FulfillmentAutoApprove:            r.flag("ORDERS_FULFILLMENT_AUTO_APPROVE", defaults.FulfillmentAutoApprove),
			FulfillmentAllowUnpaid:            r.flag("ORDERS_FULFILLMENT_ALLOW_UNPAID", defaults.FulfillmentAllowUnpaid),
			AutoCapturePayments:               r.flag("ORDERS_AUTO_CAPTURE_PAYMENTS", defaults.AutoCapturePayments),
			ReserveStockDurationAnonymous:     r.dur("ORDERS_RESERVE_STOCK_ANONYMOUS", defaults.ReserveStockDurationAnonymous),
			ReserveStockDurationAuthenticated: r.dur("ORDERS_RESERVE_STOCK_AUTHENTICATED", defaults.ReserveStockDurationAuthenticated),
			LimitQuantityPerCheckout:          r.integer("ORDERS_LIMIT_QUANTITY_PER_CHECKOUT", defaults.LimitQuantityPerCheckout),
			GiftCardExpiryType:                domain.GiftCardExpiryType(r.lower("ORDERS_GIFT_CARD_EXPIRY_TYPE", string(defaults.GiftCardExpiryType))),
			GiftCardExpiryPeriodType:          domain.TimePeriodType(r.lower("ORDERS_GIFT_CARD_EXPIRY_PERIOD_TYPE", string(defaults.GiftCardExpiryPeriodType))),
			GiftCardExpiryPeriod:              r.integer("ORDERS_GIFT_CARD_EXPIRY_PERIOD", defaults.GiftCardExpiryPeriod),
			ApplyOncePerOrderScope:            domain.ApplyOncePerOrderScope(r.lower("ORDERS_APPLY_ONCE_PER_ORDER_SCOPE", string(defaults.ApplyOncePerOrderScope))),
			ExternalCallTimeout:               r.dur("ORDERS_EXTERNAL_CALL_TIMEOUT", defaults.ExternalCallTimeout),
		},
		Taxes: TaxConfig{
			Enabled:               r.flag("ORDERS_TAX_ENABLED", false),
			DefaultRate:           r.dec("ORDERS_TAX_DEFAULT_RATE", decimal.Zero),
			Rates:                 r.rates("ORDERS_TAX_RATES"),
			PricesEnteredWithTax:  r.flag("ORDERS_TAX_PRICES_ENTERED_WITH_TAX", false),
			ChargeTaxesOnShipping: r.flag("ORDERS_TAX_CHARGE_ON_SHIPPING", true),
		},
		Worker: WorkerConfig{
			SweepInterval: r.dur("ORDERS_WORKER_SWEEP_INTERVAL", defaultSweepInterval),
		},
		Internal: InternalAuthConfig{
			OIDCAudience:      r.str("ORDERS_INTERNAL_OIDC_AUDIENCE", ""),
			OIDCIssuers:       r.list("ORDERS_INTERNAL_OIDC_ISSUERS", "https://accounts.google.com", "accounts.google.com"),
			OIDCJWKSURL:       r.str("ORDERS_INTERNAL_OIDC_JWKS_URL", defaultJWKSURL),
			OIDCAllowedEmails: r.list("ORDERS_INTERNAL_OIDC_ALLOWED_EMAILS"),
			HMACSecret:        r.str("ORDERS_INTERNAL_HMAC_SECRET", ""),
			HMACClockSkew:     r.dur("ORDERS_INTERNAL_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
		},
		Observability: ObservabilityConfig{
			Environment: r.lower("ORDERS_ENVIRONMENT", defaultEnvironment),
			Version:     r.str("ORDERS_VERSION", "dev"),
			CommitSHA:   r.str("ORDERS_COMMIT_SHA", ""),
			ProjectID:   r.str("ORDERS_GCP_PROJECT_ID", ""),
		},
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Observability.ProjectID
	}

	resolved, err := resolveSecrets(ctx, o.secret, []secretField{
		{"Storage.DSN", &cfg.Storage.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Internal.HMACSecret", &cfg.Internal.HMACSecret},
	})
	if err != nil {
		return Config{}, err
	}

	if fields := append(r.invalid, validate(cfg)...); len(fields) > 0 {
		return Config{}, &ValidationError{fields: fields}
	}

	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintln(os.Stderr, missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// validate returns the names of fields that are missing or out of range.
func validate(cfg Config) []string {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Storage.Driver {
	case StorageMemory:
	case StorageMySQL:
		if cfg.Storage.DSN == "" {
			missing = append(missing, "Storage.DSN")
		}
	default:
		missing = append(missing, "Storage.Driver")
	}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.WebhookTopic) == "" {
		missing = append(missing, "Kafka.WebhookTopic")
	}
	if cfg.PubSub.ProjectID != "" && strings.TrimSpace(cfg.PubSub.NotificationTopic) == "" {
		missing = append(missing, "PubSub.NotificationTopic")
	}
	if cfg.Payments.StripeAPIKey == "" && !cfg.Payments.DummyEnabled {
		missing = append(missing, "Payments.StripeAPIKey")
	}
	if len(cfg.Commerce.DefaultCountry) != 2 {
		missing = append(missing, "Commerce.DefaultCountry")
	}
	switch cfg.Commerce.ApplyOncePerOrderScope {
	case domain.ApplyOnceCheapestUnit, domain.ApplyOnceCheapestLine:
	default:
		missing = append(missing, "Commerce.ApplyOncePerOrderScope")
	}
	switch cfg.Commerce.GiftCardExpiryType {
	case domain.GiftCardNeverExpire:
	case domain.GiftCardExpiryPeriod:
		if cfg.Commerce.GiftCardExpiryPeriod <= 0 {
			missing = append(missing, "Commerce.GiftCardExpiryPeriod")
		}
		switch cfg.Commerce.GiftCardExpiryPeriodType {
		case domain.PeriodDay, domain.PeriodWeek, domain.PeriodMonth, domain.PeriodYear:
		default:
			missing = append(missing, "Commerce.GiftCardExpiryPeriodType")
		}
	default:
		missing = append(missing, "Commerce.GiftCardExpiryType")
	}
	if cfg.Commerce.ReserveStockDurationAnonymous < 0 {
		missing = append(missing, "Commerce.ReserveStockDurationAnonymous")
	}
	if cfg.Commerce.ReserveStockDurationAuthenticated < 0 {
		missing = append(missing, "Commerce.ReserveStockDurationAuthenticated")
	}
	if cfg.Commerce.ExternalCallTimeout <= 0 {
		missing = append(missing, "Commerce.ExternalCallTimeout")
	}
	if cfg.Taxes.DefaultRate.IsNegative() {
		missing = append(missing, "Taxes.DefaultRate")
	}
	if cfg.Worker.SweepInterval <= 0 {
		missing = append(missing, "Worker.SweepInterval")
	}
	if cfg.Internal.OIDCAudience != "" && cfg.Internal.OIDCJWKSURL == "" {
		missing = append(missing, "Internal.OIDCJWKSURL")
	}
	if cfg.Internal.HMACClockSkew <= 0 {
		missing = append(missing, "Internal.HMACClockSkew")
	}
	if isProduction(cfg.Observability.Environment) && !cfg.Internal.Enabled() {
		missing = append(missing, "Internal.OIDCAudience")
	}
	return missing
}

func isProduction(env string) bool {
	return env == "prod" || env == "production"
}
