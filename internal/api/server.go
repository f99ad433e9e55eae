package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"smsblast/internal/engine"
	"smsblast/internal/health"
	"smsblast/internal/monitor"
	"smsblast/internal/store"
)

// Config holds the HTTP API settings the server needs at runtime.
type Config struct {
	ListenAddr        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration // SSE heartbeat comment cadence
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *store.CampaignRepository
	recipients *store.RecipientRepository
	messages   *store.MessageRepository
	engine     *engine.Manager
	health     *health.Store
	events     *monitor.Broadcaster
	cfg        Config
	logger     *slog.Logger
	startTime  time.Time
}

// Options bundles the server's collaborators.
type Options struct {
	Config     Config
	Campaigns  *store.CampaignRepository
	Recipients *store.RecipientRepository
	Messages   *store.MessageRepository
	Engine     *engine.Manager
	Health     *health.Store
	Events     *monitor.Broadcaster
	Logger     *slog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Config.HeartbeatInterval <= 0 {
		opts.Config.HeartbeatInterval = 10 * time.Second
	}
	s := &Server{
		router:     chi.NewRouter(),
		campaigns:  opts.Campaigns,
		recipients: opts.Recipients,
		messages:   opts.Messages,
		engine:     opts.Engine,
		health:     opts.Health,
		events:     opts.Events,
		cfg:        opts.Config,
		logger:     opts.Logger.With("component", "api"),
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/start", s.handleStart)
		r.Post("/campaigns/{id}/pause", s.handlePause)
		r.Post("/campaigns/{id}/cancel", s.handleCancel)
		r.Post("/campaigns/{id}/retry", s.handleRetry)
		r.Get("/campaigns/{id}/status", s.handleStatus)
		r.Get("/campaigns/{id}/messages", s.handleListMessages)
		r.Get("/campaigns/{id}/events", s.handleEvents)
		r.Get("/servers", s.handleServers)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
