// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"predict-duel/internal/events"
	"predict-duel/internal/observability"
	"predict-duel/internal/settlement"
)

// Server serves the settlement API.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds server configuration.
type Config struct {
	Addr           string
	Engine         *settlement.Engine
	Broadcaster    *events.Broadcaster // nil disables /ws/events
	EventLog       EventLog            // nil disables ?last_id replay
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// EnableFaucet mounts POST /accounts/{address}/deposit.
	EnableFaucet bool
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{server: server, logger: cfg.Logger}
}

// NewRouter builds the route tree.
func NewRouter(cfg *Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	h := &handler{engine: cfg.Engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/metrics", observability.Handler().ServeHTTP)

	// The event stream is long-lived and stays outside the request timeout.
	if cfg.Broadcaster != nil {
		ws := &streamHandler{broadcaster: cfg.Broadcaster, log: cfg.EventLog, logger: logger}
		r.Get("/ws/events", ws.serve)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Post("/markets", h.createMarket)
		r.Get("/markets", h.listMarkets)
		r.Route("/markets/{creator}/{index}", func(r chi.Router) {
			r.Get("/", h.getMarket)
			r.Post("/bets", h.placeBet)
			r.Post("/resolve", h.resolveMarket)
			r.Post("/claim", h.claimWinnings)
			r.Post("/cancel", h.cancelMarket)
			r.Post("/refund", h.refundStake)
			r.Get("/participants", h.listParticipants)
			r.Get("/participants/{bettor}", h.getParticipant)
			r.Get("/quote/{bettor}", h.quote)
			r.Get("/events", h.listEvents)
			r.Get("/vault", h.vaultBalance)
		})

		r.Get("/accounts/{address}", h.getAccount)
		if cfg.EnableFaucet {
			r.Post("/accounts/{address}/deposit", h.deposit)
		}
	})

	return r
}

// Start starts the HTTP server.
// This is a blocking call that returns when the server stops or encounters an error.
func (s *Server) Start() error {
	s.logger.Info("http-server-starting", zap.String("addr", s.server.Addr))

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http-server-shutting-down")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("http-server-shutdown-complete")
	return nil
}
