// Package server exposes the HTTP API: bot lifecycle, prompt management,
// per-channel session control and the Messenger webhook. It is a thin
// boundary over the orchestrator; no session state lives here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/MutazGhazal/npai-backend/pkg/npai/crypto"
	"github.com/MutazGhazal/npai-backend/pkg/npai/orchestrator"
)

// Server is the HTTP API server.
type Server struct {
	cfg    config.Config
	orch   *orchestrator.Orchestrator
	cipher *crypto.Cipher
	logger *slog.Logger

	httpServer *http.Server
	limiter    *rateLimiter
}

// New creates the API server.
func New(cfg config.Config, orch *orchestrator.Orchestrator, cipher *crypto.Cipher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		cipher:  cipher,
		logger:  logger.With("component", "server"),
		limiter: newRateLimiter(cfg.Server.RateLimitPerMinute),
	}
}

// Handler builds the full middleware and routing chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.corsMiddleware(s.rateLimitMiddleware(mux))
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// routes registers all endpoints.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Bots.
	mux.HandleFunc("POST /api/bots", s.handleCreateBot)
	mux.HandleFunc("GET /api/bots/{id}", s.handleGetBot)
	mux.HandleFunc("DELETE /api/bots/{id}", s.handleDeleteBot)
	mux.HandleFunc("POST /api/bots/{id}/start", s.handleStartBot)
	mux.HandleFunc("POST /api/bots/{id}/stop", s.handleStopBot)
	mux.HandleFunc("POST /api/bots/{id}/restart", s.handleRestartBot)
	mux.HandleFunc("GET /api/bots/{id}/status", s.handleBotStatus)

	// Conversations & analytics.
	mux.HandleFunc("GET /api/bots/{id}/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/bots/{id}/analytics", s.handleBotAnalytics)

	// Prompts.
	mux.HandleFunc("POST /api/bots/{id}/prompt", s.handleSavePrompt)
	mux.HandleFunc("GET /api/bots/{id}/prompt", s.handleGetPrompt)
	mux.HandleFunc("DELETE /api/bots/{id}/prompt", s.handleDeactivatePrompt)

	// WhatsApp sessions.
	mux.HandleFunc("POST /api/bots/{id}/whatsapp/connect", s.handleWhatsAppConnect)
	mux.HandleFunc("POST /api/bots/{id}/whatsapp/disconnect", s.handleWhatsAppDisconnect)
	mux.HandleFunc("GET /api/bots/{id}/whatsapp/status", s.handleWhatsAppStatus)

	// Messenger sessions + webhook.
	mux.HandleFunc("POST /api/bots/{id}/messenger/connect", s.handleMessengerConnect)
	mux.HandleFunc("POST /api/bots/{id}/messenger/disconnect", s.handleMessengerDisconnect)
	mux.HandleFunc("GET /api/bots/{id}/messenger/status", s.handleMessengerStatus)
	mux.HandleFunc("GET /webhook/messenger", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook/messenger", s.handleWebhookDeliver)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
