// Package api serves the monitoring dashboard: REST endpoints over the
// trade store and engine snapshot, a manual close operation, and a
// WebSocket feed of audit events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shortbot/internal/config"
	"shortbot/internal/store"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg    *config.Config
	hub    *Hub
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the dashboard server. The hub is created by the caller
// so it can be handed to the engine as its event sink before the server
// exists.
func NewServer(cfg *config.Config, agent Agent, st *store.Store, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(agent, st, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/trades", handlers.HandleTrades)
	mux.HandleFunc("GET /api/trades/{id}", handlers.HandleTrade)
	mux.HandleFunc("POST /api/trades/{id}/close", handlers.HandleCloseTrade)
	mux.HandleFunc("GET /api/events", handlers.HandleEvents)
	mux.HandleFunc("GET /api/config", handlers.HandleConfig)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	// Static dashboard assets, when present.
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		hub:    hub,
		server: server,
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop disconnects WebSocket clients and drains the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
