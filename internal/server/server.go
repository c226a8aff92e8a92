// Package server exposes the ledger over HTTP: a read-only REST API, the
// event ingest endpoint, and a WebSocket stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/epochlabs/ledgerd/internal/server/handler"
	"github.com/epochlabs/ledgerd/internal/server/middleware"
	"github.com/epochlabs/ledgerd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, ingest authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	MarketGroups *handler.MarketGroupHandler
	Positions    *handler.PositionHandler
	Gaps         *handler.GapsHandler
	Ingest       *handler.IngestHandler
}

// Server is the HTTP + WebSocket API server over the materialized ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Read routes are open; the ingest route is behind API key auth when a key
// is configured.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/market-groups", handlers.MarketGroups.ListGroups)
	mux.HandleFunc("GET /api/market-groups/{chainId}/{address}", handlers.MarketGroups.GetGroup)
	mux.HandleFunc("GET /api/market-groups/{chainId}/{address}/markets", handlers.MarketGroups.ListMarkets)

	mux.HandleFunc("GET /api/markets/{id}/positions", handlers.Positions.ListByMarket)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.Get)
	mux.HandleFunc("GET /api/positions/{id}/transactions", handlers.Positions.ListTransactions)

	// Gap detection needs a chain endpoint; the handler is nil without one.
	if handlers.Gaps != nil {
		mux.HandleFunc("GET /api/gaps", handlers.Gaps.MissingBlocks)
	}

	// The one mutating route.
	mux.Handle("POST /api/events",
		middleware.Auth(cfg.APIKey)(http.HandlerFunc(handlers.Ingest.Ingest)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
