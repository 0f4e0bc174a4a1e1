// Package handlers mounts the operational HTTP surface of ordercore: liveness and readiness
// probes, the Prometheus scrape endpoint and the guarded /internal maintenance group.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i-super/Saleor-sub000/internal/platform/httpx"
)

// RouteRegistrar adds routes to a router group.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	middlewares         []func(http.Handler) http.Handler
	health              *HealthHandlers
	metrics             http.Handler
	internal            []RouteRegistrar
	internalMiddlewares []func(http.Handler) http.Handler
	timeout             time.Duration
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the chi router. Request ids, real client ips and a request timeout are
// always installed ahead of the middlewares passed with WithMiddlewares. The /internal group is
// only mounted when at least one registrar is supplied.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	if len(cfg.internal) > 0 {
		r.Route("/internal", func(group chi.Router) {
			for _, mw := range cfg.internalMiddlewares {
				if mw != nil {
					group.Use(mw)
				}
			}
			for _, register := range cfg.internal {
				register(group)
			}
		})
	}
	return r
}

// WithMiddlewares appends router-wide middlewares.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.metrics = h
	}
}

// WithInternalRoutes adds a registrar to the /internal group.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if reg != nil {
			cfg.internal = append(cfg.internal, reg)
		}
	}
}

// WithInternalMiddlewares guards the /internal group, typically with the caller authentication
// middleware.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

// WithRequestTimeout overrides the 30s per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}
