// Package server exposes pipelines over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configure a Server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	APIKeys        []string
	Logger         *slog.Logger

	// MaxBodyBytes caps request bodies under /v1; 0 means no cap.
	MaxBodyBytes int64
}

// Server serves the pipeline API on Port until its Start context ends.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// New builds the router with the standard middleware stack and mounts h.
func New(opts Options, h *Handlers) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Must see the raw ResponseWriter, before anything wraps it.
	r.Use(FullDuplexMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "wchain")
	})

	r.Get("/healthz", h.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		if len(opts.APIKeys) > 0 {
			r.Use(APIKeyMiddleware(opts.APIKeys))
		}
		r.Use(MaxBodyMiddleware(opts.MaxBodyBytes))
		r.Use(RunInfoMiddleware)
		h.Routes(r)
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
	}
}

// baseContext keeps ctx values for requests but not its cancellation, so
// requests drained by Shutdown outlive ctx.
func baseContext(ctx context.Context) func(net.Listener) context.Context {
	return func(net.Listener) context.Context { return context.WithoutCancel(ctx) }
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       baseContext(ctx),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
