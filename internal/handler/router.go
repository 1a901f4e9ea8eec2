// Package handler provides the HTTP API for Alexander Drives.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/metrics"
)

// HealthChecker reports whether a backing service is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router wires the upload API, the proxy endpoint and operational routes.
type Router struct {
	uploadHandler *UploadHandler
	proxyHandler  *ProxyHandler
	health        HealthChecker
	metrics       *metrics.Metrics
	metricsPath   string
	cors          CORSOptions
	logger        zerolog.Logger
}

// CORSOptions controls browser access to the upload API.
type CORSOptions struct {
	AllowedOrigins []string
	MaxAge         int
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	UploadHandler *UploadHandler

	// ProxyHandler is optional; without it no proxy route is served.
	ProxyHandler *ProxyHandler

	// Health is optional; when set, /health fails while it reports an error.
	Health HealthChecker

	// Metrics is optional; without it no metrics route is served.
	Metrics     *metrics.Metrics
	MetricsPath string

	CORS   CORSOptions
	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	return &Router{
		uploadHandler: config.UploadHandler,
		proxyHandler:  config.ProxyHandler,
		health:        config.Health,
		metrics:       config.Metrics,
		metricsPath:   config.MetricsPath,
		cors:          config.CORS,
		logger:        config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	origins := rt.cors.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Range", "Range", HeaderChecksum, "X-Request-ID"},
		ExposedHeaders: []string{"ETag", "Content-Range", "Accept-Ranges"},
		MaxAge:         rt.cors.MaxAge,
	}))

	// Health check
	r.Get("/health", rt.handleHealth)

	if rt.metrics != nil {
		r.Method(http.MethodGet, rt.metricsPath, rt.metrics.Handler())
	}

	if rt.proxyHandler != nil {
		r.Method(http.MethodGet, "/proxy", rt.proxyHandler)
		r.Method(http.MethodHead, "/proxy", rt.proxyHandler)
	}

	r.Route("/api/v1/mounts/{mountID}", func(r chi.Router) {
		rt.uploadHandler.RegisterRoutes(r)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: APIError{
			Code:    "NOT_FOUND",
			Message: "The requested resource does not exist.",
		}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: APIError{
			Code:    "METHOD_NOT_ALLOWED",
			Message: "The specified method is not allowed against this resource.",
		}})
	})

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.health.Health(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requestLogger logs every request and records its duration by route.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		rt.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed)

		event := rt.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = rt.logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("request")
	})
}
