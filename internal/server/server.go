// Package server exposes the gateway over HTTP: the generate endpoints, the
// metrics surface, and the middleware chain around them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options tunes the HTTP server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the gateway's HTTP front.
type Server struct {
	Router  *chi.Mux
	http    *http.Server
	logger  *slog.Logger
	limiter *RateLimiter // nil when rate limiting is disabled
}

// New builds the middleware chain and mounts the handler.
func New(opts Options, handler *Handler, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	var limiter *RateLimiter
	if opts.RateLimitRPS > 0 {
		limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		r.Use(limiter.Middleware)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(TimeoutMiddleware(timeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "llm-gateway")
	})

	handler.Routes(r)

	return &Server{
		Router: r,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", opts.Port),
			Handler: r,
		},
		logger:  logger,
		limiter: limiter,
	}
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires, then stops the rate
// limiter's background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.http.Shutdown(ctx)
	if s.limiter != nil {
		s.limiter.Close()
	}
	return err
}
