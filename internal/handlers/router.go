package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

// routeGroup is one section of the API mounted under apiPrefix. Groups without
// routes are not mounted and fall through to the JSON 404.
type routeGroup struct {
	routes      RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	// keyed by path under apiPrefix
	groups map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: health checks at the root, then the buyer/seller
// order API, payment webhooks, staff archive access and OIDC-guarded maintenance
// under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		timeout: defaultRequestTimeout,
		groups:  make(map[string]*routeGroup),
	}
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
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for path, group := range cfg.groups {
			api.Route(path, func(sub chi.Router) {
				for _, mw := range group.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				group.routes(sub)
			})
		}
	})

	return r
}

func withGroup(path string, routes RouteRegistrar, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		if routes == nil {
			delete(cfg.groups, path)
			return
		}
		cfg.groups[path] = &routeGroup{routes: routes, middlewares: mw}
	}
}

// WithMiddlewares appends global middleware, applied after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout bounds every request; non-positive values keep the default.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts the buyer and seller order API at /api/v1/orders.
func WithOrderRoutes(routes RouteRegistrar) Option {
	return withGroup("/orders", routes, nil)
}

// WithWebhookRoutes mounts provider notifications at /api/v1/webhooks. Callers
// authenticate per provider inside the routes, so mw is usually empty.
func WithWebhookRoutes(routes RouteRegistrar, mw ...func(http.Handler) http.Handler) Option {
	return withGroup("/webhooks", routes, mw)
}

// WithAdminRoutes mounts staff endpoints at /api/v1/admin.
func WithAdminRoutes(routes RouteRegistrar) Option {
	return withGroup("/admin", routes, nil)
}

// WithInternalRoutes mounts scheduler endpoints at /api/v1/internal behind mw,
// typically the OIDC guard.
func WithInternalRoutes(routes RouteRegistrar, mw ...func(http.Handler) http.Handler) Option {
	return withGroup("/internal", routes, mw)
}
