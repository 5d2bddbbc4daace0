package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/server/handler"
	"github.com/alanyoungcy/portfoliodb/internal/server/middleware"
	"github.com/alanyoungcy/portfoliodb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	APIKey       string // plain key; empty with no hash disables auth
	APIKeyHash   string // bcrypt hash of the key
	RateLimitRPM int    // requests per minute per client; 0 disables
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Batches     *handler.BatchHandler
	Instruments *handler.InstrumentHandler
	Metrics     http.Handler
}

// Server is the operations HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain. limiter
// may be nil when rate limiting is off.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Batches != nil {
		mux.HandleFunc("GET /api/batches", h.Batches.ListBatches)
		mux.HandleFunc("GET /api/batches/{id}", h.Batches.GetBatch)
		mux.HandleFunc("POST /api/batches", h.Batches.Ingest)
	}
	if h.Instruments != nil {
		mux.HandleFunc("GET /api/instruments/{id}", h.Instruments.GetInstrument)
		mux.HandleFunc("POST /api/instruments/merge", h.Instruments.Merge)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(middleware.AuthConfig{
		Key:    cfg.APIKey,
		Hash:   cfg.APIKeyHash,
		Exempt: []string{"/api/health", "/metrics"},
	})(chain)
	if limiter != nil && cfg.RateLimitRPM > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimitRPM, time.Minute, logger)(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: chain,
		logger:  logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
