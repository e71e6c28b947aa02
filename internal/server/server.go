package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vetohq/veto/internal/auth"
	"github.com/vetohq/veto/internal/engine"
	"github.com/vetohq/veto/internal/ratelimit"
)

// Server is the governance HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, MCPServer.
type Config struct {
	// Required dependencies.
	Engine  *engine.Engine
	JWTMgr  *auth.JWTManager
	Keyring *auth.Keyring
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Archive             string
	MaxRequestBodyBytes int64
	TrustProxy          bool
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Archive:             cfg.Archive,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc(cfg.TrustProxy), reqIDFunc)

	producer := requireRole(auth.RoleProducer)
	adminOnly := requireRole(auth.RoleAdmin)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", rl(http.HandlerFunc(h.HandleAuthToken)))

	// Action pipeline (producer+, rate limited).
	mux.Handle("POST /v1/actions", rl(producer(http.HandlerFunc(h.HandleSubmitAction))))
	mux.Handle("GET /v1/actions/{action_id}", rl(producer(http.HandlerFunc(h.HandleGetDecision))))
	mux.Handle("POST /v1/actions/{action_id}/rollback", adminOnly(http.HandlerFunc(h.HandleRollback)))

	// Approval queue (admin resolves, producers may watch their requests).
	mux.Handle("GET /v1/approvals", rl(producer(http.HandlerFunc(h.HandlePendingApprovals))))
	mux.Handle("GET /v1/approvals/{request_id}", rl(producer(http.HandlerFunc(h.HandleGetApproval))))
	mux.Handle("POST /v1/approvals/{request_id}/approve", adminOnly(http.HandlerFunc(h.HandleApprove)))
	mux.Handle("POST /v1/approvals/{request_id}/reject", adminOnly(http.HandlerFunc(h.HandleRejectApproval)))
	mux.Handle("POST /v1/approvals/{request_id}/execute", adminOnly(http.HandlerFunc(h.HandleExecuteApproved)))
	mux.Handle("POST /v1/approvals/batch", adminOnly(http.HandlerFunc(h.HandleBatchReview)))

	// Boundaries and autonomy (reads producer+, writes admin).
	mux.Handle("GET /v1/boundaries", rl(producer(http.HandlerFunc(h.HandleGetBoundaries))))
	mux.Handle("PATCH /v1/boundaries", adminOnly(http.HandlerFunc(h.HandlePatchBoundaries)))
	mux.Handle("GET /v1/usage", rl(producer(http.HandlerFunc(h.HandleUsage))))
	mux.Handle("GET /v1/queue/stats", rl(producer(http.HandlerFunc(h.HandleQueueStats))))
	mux.Handle("GET /v1/executor/stats", rl(producer(http.HandlerFunc(h.HandleExecutorStats))))
	mux.Handle("GET /v1/autonomy", rl(producer(http.HandlerFunc(h.HandleGetAutonomy))))
	mux.Handle("PUT /v1/autonomy", adminOnly(http.HandlerFunc(h.HandleSetAutonomy)))

	// Audit trail (admin).
	mux.Handle("GET /v1/audit", adminOnly(http.HandlerFunc(h.HandleAuditRecent)))
	mux.Handle("GET /v1/audit/verify", adminOnly(http.HandlerFunc(h.HandleAuditVerify)))

	// Status snapshot (producer+).
	mux.Handle("GET /v1/status", rl(producer(http.HandlerFunc(h.HandleStatus))))

	// Event stream (producer+, no rate limit — long-lived connection).
	mux.Handle("GET /v1/events", producer(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (producer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", producer(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Keyring, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
