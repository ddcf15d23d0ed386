package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/infernokun/InfernoComics-sub002/internal/progress"
	"github.com/infernokun/InfernoComics-sub002/internal/service/recognition"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

// Server is the recognition HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Store      storage.SessionStore
	Hub        *progress.Hub
	Aggregator *progress.Aggregator
	Service    *recognition.Service
	Logger     *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	HeartbeatInterval   time.Duration
	StatusListLimit     int
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := newHandlers(cfg)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/recognition/start", h.handleStart)
	mux.HandleFunc("GET /v1/recognition/sessions", h.handleListSessions)
	mux.HandleFunc("GET /v1/recognition/sessions/{session_id}", h.handleGetSession)
	mux.HandleFunc("DELETE /v1/recognition/sessions/{session_id}", h.handleDismissSession)
	mux.HandleFunc("GET /v1/recognition/sessions/{session_id}/events", h.handleSessionEvents)
	mux.HandleFunc("GET /v1/recognition/sessions/{session_id}/results", h.handleSessionResults)
	mux.HandleFunc("POST /v1/recognition/sessions/{session_id}/commit", h.handleCommit)
	mux.HandleFunc("GET /v1/recognition/status", h.handleStatus)

	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
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
