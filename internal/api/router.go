package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/smartcyclemarket/smartcyclemarket/internal/auth"
	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
	"github.com/smartcyclemarket/smartcyclemarket/internal/health"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/metrics"
	"github.com/smartcyclemarket/smartcyclemarket/internal/middleware"
	"github.com/smartcyclemarket/smartcyclemarket/internal/product"
	"github.com/smartcyclemarket/smartcyclemarket/internal/web"
)

// RateLimiter counts hits per key. *cache.Limiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type Config struct {
	Auth        *auth.Service
	Products    *product.Service
	Health      *health.Handler
	Metrics     *metrics.Metrics
	Limiter     RateLimiter
	Logger      *logger.Logger
	CORSOrigins []string

	// TrustedProxies are the proxies whose X-Forwarded-For is believed when
	// keying the rate limiter. Empty means the peer address is used.
	TrustedProxies middleware.TrustedProxies
}

type Router struct {
	mux      *http.ServeMux
	handler  http.Handler
	auth     *auth.Handlers
	products *product.Handlers
	protect  func(http.Handler) http.Handler
	limiter  RateLimiter
	proxies  middleware.TrustedProxies
	log      *logger.Logger
}

func NewRouter(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	r := &Router{
		mux:      http.NewServeMux(),
		auth:     auth.NewHandlers(cfg.Auth),
		products: product.NewHandlers(cfg.Products),
		protect:  auth.Middleware(cfg.Auth),
		limiter:  cfg.Limiter,
		proxies:  cfg.TrustedProxies,
		log:      log.WithComponent("api"),
	}
	r.setupRoutes(cfg.Health, m)

	r.handler = middleware.Chain(r.mux,
		middleware.RequestID,
		middleware.Recoverer(r.log),
		middleware.Logging(log.WithComponent("http")),
		metrics.MetricsMiddleware(m),
		middleware.CORS(cfg.CORSOrigins),
		middleware.Gzip,
	)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes(h *health.Handler, m *metrics.Metrics) {
	// Health and metrics
	if h != nil {
		r.mux.HandleFunc("GET /health", h.HealthHandler)
		r.mux.HandleFunc("GET /health/live", h.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", h.ReadinessHandler)
	}
	r.mux.Handle("GET /metrics", m.Handler())

	// Auth routes (no auth required)
	r.mux.Handle("POST /auth/sign-up", r.limited("sign-up", r.auth.SignUp))
	r.mux.Handle("POST /auth/verify", r.handle(r.auth.VerifyEmail))
	r.mux.Handle("POST /auth/sign-in", r.limited("sign-in", r.auth.SignIn))
	r.mux.Handle("POST /auth/refresh-token", r.handle(r.auth.Refresh))
	r.mux.Handle("POST /auth/forget-password", r.limited("forget-password", r.auth.ForgotPassword))
	r.mux.Handle("POST /auth/verify-pass-reset-token", r.handle(r.auth.CheckResetToken))
	r.mux.Handle("POST /auth/reset-pass", r.handle(r.auth.ResetPassword))

	// Auth routes (auth required)
	r.mux.Handle("GET /auth/profile", r.withAuth(middleware.ETag(r.handle(r.auth.Profile))))
	r.mux.Handle("GET /auth/verify-token", r.withAuth(r.handle(r.auth.ResendVerification)))
	r.mux.Handle("POST /auth/sign-out", r.withAuth(r.handle(r.auth.SignOut)))
	r.mux.Handle("PATCH /auth/update-profile", r.withAuth(r.handle(r.auth.UpdateProfile)))
	r.mux.Handle("PATCH /auth/update-avatar", r.withAuth(r.handle(r.auth.UpdateAvatar)))
	r.mux.Handle("GET /auth/profile/{id}", r.withAuth(middleware.ETag(r.handle(r.auth.PublicProfile))))

	// Product routes (auth required)
	r.mux.Handle("POST /product/list", r.withAuth(r.handle(r.products.Create)))
	r.mux.Handle("GET /product/listings", r.withAuth(middleware.ETag(r.handle(r.products.Listings))))
	r.mux.Handle("PATCH /product/{id}", r.withAuth(r.handle(r.products.Update)))
	r.mux.Handle("GET /product/{id}", r.withAuth(middleware.ETag(r.handle(r.products.Get))))
	r.mux.Handle("DELETE /product/{id}", r.withAuth(r.handle(r.products.Delete)))

	// Pages opened from mailed links
	web.Register(r.mux)
}

func (r *Router) withAuth(next http.Handler) http.Handler {
	return r.protect(next)
}

// handle adapts an error-returning handler and logs server-side failures.
func (r *Router) handle(h apperrors.Handler) http.Handler {
	return apperrors.HandleFunc(h, r.reportError)
}

func (r *Router) reportError(req *http.Request, err error) {
	r.log.Error(req.Context(), "request failed", err, map[string]interface{}{
		"method": req.Method,
		"path":   req.URL.Path,
	})
}

// limited rejects a client with 429 once it exceeds the configured number of
// hits on route within the window. A failing limiter lets requests through.
func (r *Router) limited(route string, h apperrors.Handler) http.Handler {
	if r.limiter == nil {
		return r.handle(h)
	}
	return r.handle(func(w http.ResponseWriter, req *http.Request) error {
		ok, retryAfter, err := r.limiter.Allow(req.Context(), route+":"+r.proxies.ClientIP(req))
		if err != nil {
			r.log.Warn(req.Context(), "rate limiter unavailable", map[string]interface{}{
				"route": route,
				"error": err.Error(),
			})
		} else if !ok {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
			}
			return apperrors.RateLimited()
		}
		return h(w, req)
	})
}
