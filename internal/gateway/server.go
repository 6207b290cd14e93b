package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the ingress HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and settings for creating a Server.
type ServerConfig struct {
	Handlers     *Handlers
	Logger       *slog.Logger
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers

	mux := http.NewServeMux()

	// Ingress.
	mux.HandleFunc("POST /webhook", h.HandleWebhook)

	// Health is dependency-free; readiness pings the database.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /api/stats", h.HandleStats)

	// Read API and the human approval action.
	mux.HandleFunc("GET /api/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /api/tasks/{task_id}", h.HandleGetTask)
	mux.HandleFunc("POST /api/tasks/{task_id}/approve", h.HandleApproveTask)
	mux.HandleFunc("GET /api/traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("GET /api/agents", h.HandleListAgents)
	mux.HandleFunc("GET /api/agents/{agent_id}", h.HandleGetAgent)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
