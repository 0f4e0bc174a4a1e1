package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/i-super/Saleor-sub000/internal/di"
	"github.com/i-super/Saleor-sub000/internal/handlers"
	"github.com/i-super/Saleor-sub000/internal/platform/config"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
	"github.com/i-super/Saleor-sub000/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("ORDERS_LOG_LEVEL"), strings.EqualFold(os.Getenv("ORDERS_ENVIRONMENT"), "local"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("ordercore")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger.Named("services")))
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	projectID := cfg.Observability.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(container.Services.System),
		handlers.WithHealthBuildInfo(services.BuildInfo{
			Version:     cfg.Observability.Version,
			CommitSHA:   cfg.Observability.CommitSHA,
			Environment: cfg.Observability.Environment,
			StartedAt:   startedAt,
		}),
	)

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(container.Metrics.Handler()),
		handlers.WithInternalRoutes(handlers.MaintenanceRoutes(container.Worker)),
	}
	if container.InternalAuth != nil {
		routerOpts = append(routerOpts, handlers.WithInternalMiddlewares(container.InternalAuth))
	} else {
		logger.Warn("internal routes are not guarded; set ORDERS_INTERNAL_OIDC_AUDIENCE or ORDERS_INTERNAL_HMAC_SECRET")
	}
	router := handlers.NewRouter(routerOpts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerCtx = observability.WithLogger(workerCtx, logger.Named("worker"))
	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		container.Worker.Run(workerCtx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("ordercore listening",
			zap.String("storage", cfg.Storage.Driver),
			zap.String("environment", cfg.Observability.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	workerCancel()
	workerWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
