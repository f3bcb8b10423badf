package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/orchestra/internal/access"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/notify"
	"github.com/seantiz/orchestra/internal/orchestration"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// callerHeader carries the id of the user acting on an execution.
const callerHeader = "X-Caller-Id"

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	orch    *orchestration.Service
	bus     *notify.Bus
	access  access.Checker
	limiter *rate.Limiter
	origins []string
	logger  *slog.Logger
	addr    string
}

// Option customises a Server.
type Option func(*Server)

// WithAccess installs the checker consulted before acting on an execution.
func WithAccess(c access.Checker) Option {
	return func(s *Server) { s.access = c }
}

// WithSubmitLimit throttles POST /v1/executions to perSecond sustained
// submissions with the given burst. A non-positive rate disables throttling.
func WithSubmitLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAllowedOrigins sets the CORS origins. The default is any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, eng *engine.Engine, orch *orchestration.Service, bus *notify.Bus, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		orch:    orch,
		bus:     bus,
		access:  access.AllowAll{},
		origins: []string{"*"},
		logger:  logger,
		addr:    addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", callerHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/events", s.handleEvents)

	s.router.Route("/v1/backends", func(r chi.Router) {
		r.Get("/", s.handleListBackends)
		r.Get("/{id}", s.handleGetBackend)
		r.Post("/{id}/validate", s.handleValidateDefinition)
		r.Post("/{id}/estimate", s.handleEstimateResources)
	})

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.With(s.submitLimit).Post("/", s.handleSubmitExecution)
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Post("/{id}/cancel", s.handleCancelExecution)
		r.Post("/{id}/retry", s.handleRetryExecution)
		r.Post("/{id}/pause", s.handlePauseExecution)
		r.Post("/{id}/resume", s.handleResumeExecution)
		r.Get("/{id}/steps", s.handleGetSteps)
		r.Get("/{id}/steps/stream", s.handleStreamSteps)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// submitLimit rejects submissions beyond the configured rate with 429.
func (s *Server) submitLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
