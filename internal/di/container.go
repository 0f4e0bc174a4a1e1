package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/payments"
	"github.com/i-super/Saleor-sub000/internal/platform/auth"
	"github.com/i-super/Saleor-sub000/internal/platform/config"
	"github.com/i-super/Saleor-sub000/internal/platform/idempotency"
	"github.com/i-super/Saleor-sub000/internal/platform/jobs"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
	"github.com/i-super/Saleor-sub000/internal/platform/sqldb"
	"github.com/i-super/Saleor-sub000/internal/repositories"
	"github.com/i-super/Saleor-sub000/internal/repositories/fixtures"
	"github.com/i-super/Saleor-sub000/internal/repositories/memory"
	"github.com/i-super/Saleor-sub000/internal/repositories/mysql"
	"github.com/i-super/Saleor-sub000/internal/services"
)

// Services bundles the order lifecycle services assembled by NewContainer.
type Services struct {
	Calculator services.PriceCalculator
	Vouchers   services.VoucherEvaluator
	Stock      services.StockService
	GiftCards  services.GiftCardService
	Checkout   services.CheckoutService
	Orders     services.OrderService
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Payments     *payments.Manager
	Plugins      *services.PluginManager
	Metrics      *observability.Metrics
	Worker       *services.MaintenanceWorker
	// InternalAuth guards the /internal routes. Nil when no verification method is configured.
	InternalAuth auth.Middleware

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	registry      repositories.Registry
	clock         func() time.Time
	pubsubOptions []option.ClientOption
	kafkaWriter   jobs.MessageWriter
}

// WithLogger sets the zap logger that backs every service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry skips storage construction and uses reg instead.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithClock overrides the clock handed to services.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithPubSubClientOptions forwards client options (emulator endpoints, credentials) to Pub/Sub.
func WithPubSubClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.pubsubOptions = append(o.pubsubOptions, opts...)
	}
}

// WithKafkaWriter replaces the Kafka writer used for webhooks.
func WithKafkaWriter(w jobs.MessageWriter) Option {
	return func(o *options) {
		o.kafkaWriter = w
	}
}

// NewContainer constructs the runtime dependencies from cfg. Resources opened along the way are
// released by Close, including on partial failure.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (container *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	logFn := observability.ServiceLogger(o.logger)
	var probes []repositories.Probe

	reg := o.registry
	if reg == nil {
		reg, err = c.openRegistry(ctx, cfg.Storage, o.clock)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, reg.Close)
	}
	c.Repositories = reg
	probes = append(probes, storageProbe(reg))

	c.Metrics, err = observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}

	var locker services.KeyLocker = idempotency.NewMemoryLocker()
	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		redisLocker, err := idempotency.NewRedisLocker(client)
		if err != nil {
			return nil, fmt.Errorf("build redis locker: %w", err)
		}
		locker = redisLocker
		redisClient = client
		probes = append(probes, repositories.Probe{
			Name: "redis",
			Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	c.InternalAuth, err = buildInternalAuth(cfg.Internal, redisClient, c.Metrics, o.logger.Named("auth"))
	if err != nil {
		return nil, err
	}

	var webhooks services.WebhookDispatcher
	writer := o.kafkaWriter
	if writer == nil && len(cfg.Kafka.Brokers) > 0 {
		writer = jobs.NewKafkaWriter(cfg.Kafka.WebhookTopic, cfg.Kafka.Brokers...)
		probes = append(probes, kafkaProbe(cfg.Kafka.Brokers[0]))
	}
	if writer != nil {
		dispatcher, err := jobs.NewKafkaWebhookDispatcher(writer)
		if err != nil {
			return nil, fmt.Errorf("build webhook dispatcher: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return dispatcher.Close() })
		webhooks = dispatcher
	}

	var notifier services.Notifier
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, o.pubsubOptions...)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.NotificationTopic)
		c.closers = append(c.closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		pubsubNotifier, err := jobs.NewPubSubNotifier(topic)
		if err != nil {
			return nil, fmt.Errorf("build notifier: %w", err)
		}
		notifier = pubsubNotifier
	}

	c.Payments, err = buildPayments(cfg.Payments, payments.Logger(logFn))
	if err != nil {
		return nil, err
	}

	c.Plugins, err = buildPlugins(cfg, logFn)
	if err != nil {
		return nil, err
	}

	settings := cfg.Commerce
	newID := func() string { return ulid.Make().String() }
	svc := Services{}

	if svc.Calculator, err = services.NewPriceCalculator(services.PriceCalculatorDeps{Taxes: c.Plugins}); err != nil {
		return nil, fmt.Errorf("build price calculator: %w", err)
	}
	if svc.Vouchers, err = services.NewVoucherEvaluator(services.VoucherEvaluatorDeps{
		Vouchers: reg.Vouchers(),
		Settings: settings,
		Clock:    o.clock,
	}); err != nil {
		return nil, fmt.Errorf("build voucher evaluator: %w", err)
	}
	if svc.Stock, err = services.NewStockService(services.StockServiceDeps{
		Stocks:      reg.Stocks(),
		Variants:    reg.Variants(),
		Channels:    reg.Channels(),
		Warehouses:  reg.Warehouses(),
		UnitOfWork:  reg,
		Webhooks:    webhooks,
		Metrics:     c.Metrics,
		Clock:       o.clock,
		IDGenerator: newID,
		Logger:      logFn,
	}); err != nil {
		return nil, fmt.Errorf("build stock service: %w", err)
	}
	if svc.GiftCards, err = services.NewGiftCardService(services.GiftCardServiceDeps{
		Repositories: reg,
		Notifier:     notifier,
		Webhooks:     webhooks,
		Settings:     settings,
		Clock:        o.clock,
		IDGenerator:  newID,
		Logger:       logFn,
	}); err != nil {
		return nil, fmt.Errorf("build gift card service: %w", err)
	}
	if svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Repositories:   reg,
		Calculator:     svc.Calculator,
		Vouchers:       svc.Vouchers,
		Stock:          svc.Stock,
		GiftCards:      svc.GiftCards,
		Gateways:       c.Payments,
		Shipping:       c.Plugins,
		Locker:         locker,
		LockTTL:        cfg.Redis.LockTTL,
		Notifier:       notifier,
		Webhooks:       webhooks,
		Metrics:        c.Metrics,
		Settings:       settings,
		Clock:          o.clock,
		IDGenerator:    newID,
		TokenGenerator: uuid.NewString,
		Logger:         logFn,
	}); err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}
	if svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Repositories:   reg,
		Calculator:     svc.Calculator,
		Vouchers:       svc.Vouchers,
		Stock:          svc.Stock,
		GiftCards:      svc.GiftCards,
		Gateways:       c.Payments,
		Shipping:       c.Plugins,
		Notifier:       notifier,
		Webhooks:       webhooks,
		Metrics:        c.Metrics,
		Locker:         locker,
		Settings:       settings,
		Clock:          o.clock,
		IDGenerator:    newID,
		TokenGenerator: uuid.NewString,
		Logger:         logFn,
	}); err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	health, err := repositories.NewProbeHealthRepository(probes, repositories.WithProbeClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	if svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            o.clock,
		Build: services.BuildInfo{
			Version:     cfg.Observability.Version,
			CommitSHA:   cfg.Observability.CommitSHA,
			Environment: cfg.Observability.Environment,
			StartedAt:   o.clock().UTC(),
		},
	}); err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	if c.Worker, err = services.NewMaintenanceWorker(services.MaintenanceWorkerDeps{
		Stock:    svc.Stock,
		Interval: cfg.Worker.SweepInterval,
		Logger:   logFn,
	}); err != nil {
		return nil, fmt.Errorf("build maintenance worker: %w", err)
	}

	c.Services = svc
	return c, nil
}

// Close releases clients in reverse order of construction and joins their errors.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) openRegistry(ctx context.Context, cfg config.StorageConfig, clock func() time.Time) (repositories.Registry, error) {
	var set *fixtures.Set
	if cfg.FixturesFile != "" {
		f, err := os.Open(cfg.FixturesFile)
		if err != nil {
			return nil, fmt.Errorf("open fixtures: %w", err)
		}
		defer f.Close()
		decoded, err := fixtures.Decode(f, clock())
		if err != nil {
			return nil, err
		}
		set = &decoded
	}

	switch cfg.Driver {
	case config.StorageMySQL:
		gdb, err := sqldb.Open(ctx, sqldb.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.MigrateOnStart {
			sqlDB, err := gdb.DB()
			if err != nil {
				return nil, fmt.Errorf("sql handle: %w", err)
			}
			if err := sqldb.Migrate(sqlDB); err != nil {
				return nil, err
			}
		}
		store, err := mysql.New(gdb)
		if err != nil {
			return nil, err
		}
		if set != nil {
			if err := store.Seed(ctx, *set); err != nil {
				_ = store.Close(ctx)
				return nil, fmt.Errorf("seed fixtures: %w", err)
			}
		}
		return store, nil
	default:
		store := memory.NewStore()
		if set != nil {
			store.Seed(*set)
		}
		return store, nil
	}
}

func buildInternalAuth(cfg config.InternalAuthConfig, client redis.UniversalClient, metrics auth.MetricsRecorder, logger *zap.Logger) (auth.Middleware, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	var bearer, signed auth.Middleware
	if cfg.OIDCAudience != "" {
		cache := auth.NewJWKSCache(cfg.OIDCJWKSURL, auth.WithJWKSLogger(logger))
		validator, err := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger), auth.WithOIDCMetrics(metrics))
		if err != nil {
			return nil, fmt.Errorf("build oidc validator: %w", err)
		}
		bearer = validator.RequireOIDC(auth.OIDCPolicy{
			Audience:      cfg.OIDCAudience,
			Issuers:       cfg.OIDCIssuers,
			AllowedEmails: cfg.OIDCAllowedEmails,
		})
	}
	if cfg.HMACSecret != "" {
		var nonces auth.NonceStore = auth.NewMemoryNonceStore()
		if client != nil {
			store, err := auth.NewRedisNonceStore(client, "orders:nonce:")
			if err != nil {
				return nil, fmt.Errorf("build nonce store: %w", err)
			}
			nonces = store
		}
		validator, err := auth.NewHMACValidator(cfg.HMACSecret, nonces,
			auth.WithHMACClockSkew(cfg.HMACClockSkew),
			auth.WithHMACLogger(logger),
			auth.WithHMACMetrics(metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("build hmac validator: %w", err)
		}
		signed = validator.RequireHMAC()
	}
	return auth.RequireInternalCaller(bearer, signed), nil
}

func buildPayments(cfg config.PaymentsConfig, logger payments.Logger) (*payments.Manager, error) {
	var gateways []payments.Gateway
	if cfg.StripeAPIKey != "" {
		stripe, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:     cfg.StripeAPIKey,
			Currencies: cfg.StripeCurrencies,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateways = append(gateways, stripe)
	}
	if cfg.DummyEnabled {
		gateways = append(gateways, payments.NewDummyGateway(cfg.DummyCurrencies, logger))
	}

	guarded := make([]payments.Gateway, 0, len(gateways))
	for _, gw := range gateways {
		breaker, err := payments.NewBreakerGateway(gw, payments.BreakerSettings{
			ConsecutiveFailures: uint32(cfg.BreakerFailures),
			OpenTimeout:         cfg.BreakerOpenTimeout,
			Logger:              logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build gateway breaker: %w", err)
		}
		guarded = append(guarded, breaker)
	}
	if len(guarded) == 0 {
		return nil, errors.New("build payments: no gateway configured")
	}
	manager, err := payments.NewManager(guarded, payments.WithDefaultGateway(guarded[0].ID()))
	if err != nil {
		return nil, fmt.Errorf("build payments: %w", err)
	}
	return manager, nil
}

func buildPlugins(cfg config.Config, logger func(context.Context, string, map[string]any)) (*services.PluginManager, error) {
	var plugins []services.Plugin
	if cfg.Taxes.Enabled {
		taxes, err := services.NewFlatRateTaxPlugin(services.FlatRateTaxConfig{
			Rates:                 cfg.Taxes.Rates,
			DefaultRate:           cfg.Taxes.DefaultRate,
			PricesEnteredWithTax:  cfg.Taxes.PricesEnteredWithTax,
			ChargeTaxesOnShipping: cfg.Taxes.ChargeTaxesOnShipping,
		})
		if err != nil {
			return nil, fmt.Errorf("build tax plugin: %w", err)
		}
		plugins = append(plugins, taxes)
	}
	manager, err := services.NewPluginManager(plugins,
		services.WithPluginTimeout(cfg.Commerce.CallTimeout()),
		services.WithPluginLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build plugin manager: %w", err)
	}
	return manager, nil
}

// storageProbe reports the registry's own health checks as a single probe.
func storageProbe(reg repositories.Registry) repositories.Probe {
	return repositories.Probe{
		Name: "storage",
		Ping: func(ctx context.Context) error {
			report, err := reg.Health().Collect(ctx)
			if err != nil {
				return err
			}
			if report.Status != domain.HealthStatusOK {
				for name, check := range report.Checks {
					if check.Error != "" {
						return fmt.Errorf("%s: %s", name, check.Error)
					}
				}
				return fmt.Errorf("storage status %s", report.Status)
			}
			return nil
		},
	}
}

func kafkaProbe(broker string) repositories.Probe {
	return repositories.Probe{
		Name: "kafka",
		Ping: func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}
