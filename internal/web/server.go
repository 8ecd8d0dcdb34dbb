// Package web serves the sheetsync status dashboard and operator API.
package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/web/middleware"
)

// Engine is the part of core.Service the API exposes.
type Engine interface {
	Status() core.Status
	FailedOperations() []core.SyncOperation
	RetryFailed() int
	ResetBreakers()
	TriggerCycle(ctx context.Context) error
	ListDeletionAudits(ctx context.Context, filter core.AuditFilter) (core.AuditPage, error)
	Entities() []core.EntityDefinition
}

// Server is the status HTTP server.
type Server struct {
	engine  Engine
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
	limiter *middleware.IPRateLimiter
	done    chan struct{}
}

// NewServer builds the router for engine.
func NewServer(engine Engine, cfg *config.Config) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		router: chi.NewRouter(),
		done:   make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		s.limiter = middleware.NewIPRateLimiter(s.cfg.Rate.RequestsPerMinute)
		go s.limiter.Run(s.done)
		s.router.Use(s.limiter.Middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/", s.handleDashboard)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/sync/status", s.handleStatus)
		r.Get("/sync/failed", s.handleFailed)
		r.Get("/deletions", s.handleDeletions)
		r.Get("/entities", s.handleEntities)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(s.cfg.Security))
			r.Post("/sync/run", s.handleRun)
			r.Post("/sync/retry-failed", s.handleRetryFailed)
			r.Post("/sync/breakers/reset", s.handleResetBreakers)
		})
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
