package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/lumenic/factsheet/internal/auth"
)

// Server is the fact sheet engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	broker     *Broker
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Handlers *Handlers
	Broker   *Broker // optional; nil disables the SSE subscribe endpoint
	Gate     *auth.Gate // optional; nil disables auth entirely
	Logger   *slog.Logger

	// MCPServer, when non-nil, is mounted at /mcp using the StreamableHTTP
	// transport so MCP clients can reach the same six operations.
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string // ["*"] permits all origins.

	// ExtraMiddlewares wrap the whole chain, outermost first (the first
	// entry sees every request before any built-in middleware does).
	ExtraMiddlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	mux.Handle("POST /v1/subjects/{subject}/observe", http.HandlerFunc(h.HandleObserve))
	mux.Handle("POST /v1/subjects/{subject}/patch", http.HandlerFunc(h.HandlePatch))
	mux.Handle("GET /v1/subjects/{subject}", http.HandlerFunc(h.HandleGet))
	mux.Handle("GET /v1/subjects/{subject}/history", http.HandlerFunc(h.HandleHistory))
	mux.Handle("GET /v1/subjects/{subject}/facts-for-prompt", http.HandlerFunc(h.HandleFactsForPrompt))
	mux.Handle("GET /v1/subjects/{subject}/filters", http.HandlerFunc(h.HandleFilters))
	mux.Handle("GET /v1/subjects/{subject}/events", http.HandlerFunc(h.HandleSubscribe))

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Gate, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.ExtraMiddlewares) - 1; i >= 0; i-- {
		handler = cfg.ExtraMiddlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout, // prevents accumulation of idle connections
		},
		handler:  handler,
		handlers: h,
		broker:   cfg.Broker,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests and, if a Broker is configured, its
// cross-process notification loop.
func (s *Server) Start(ctx context.Context) error {
	if s.broker != nil {
		go s.broker.Start(ctx)
	}
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if s.broker != nil {
		s.broker.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
