// Package server assembles the HTTP and WebSocket API: routes, middleware
// chain, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/server/handler"
	"github.com/pariflow/pariflow/internal/server/middleware"
	"github.com/pariflow/pariflow/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication on mutating routes is disabled

	// Per-client IP rate limit for the whole API surface. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Positions *handler.PositionHandler
	Relay     *handler.RelayHandler
	Oracle    *handler.OracleHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Read routes are
// open; mutating routes sit behind the auth middleware. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	authed := middleware.Auth(cfg.APIKey)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market reads.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/ids", handlers.Markets.ListMarketIDs)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/odds", handlers.Markets.GetOdds)
	mux.HandleFunc("GET /api/markets/{id}/positions/{address}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/accounts/{address}", handlers.Positions.GetAccount)

	// Mutating market routes.
	mux.Handle("POST /api/markets", authed(http.HandlerFunc(handlers.Markets.CreateMarket)))
	mux.Handle("POST /api/markets/{id}/positions", authed(http.HandlerFunc(handlers.Positions.PlaceBet)))
	mux.Handle("POST /api/markets/{id}/claim", authed(http.HandlerFunc(handlers.Positions.Claim)))
	mux.Handle("POST /api/markets/{id}/resolve", authed(http.HandlerFunc(handlers.Oracle.Resolve)))

	// Oracle and facilitator admin.
	mux.Handle("GET /api/oracle/resolvers", authed(http.HandlerFunc(handlers.Oracle.ListResolvers)))
	mux.Handle("POST /api/oracle/resolvers", authed(http.HandlerFunc(handlers.Oracle.SetResolver)))
	mux.Handle("POST /api/admin/facilitator/pause", authed(http.HandlerFunc(handlers.Oracle.SetPause)))

	// Relay routes carry their own signature-based authentication; the relay
	// additionally rate-limits per signer address.
	mux.HandleFunc("POST /api/relay/execute", handlers.Relay.Execute)
	mux.HandleFunc("POST /api/relay/batch", handlers.Relay.ExecuteBatch)
	mux.HandleFunc("POST /api/relay/deposit", handlers.Relay.Deposit)
	mux.HandleFunc("POST /api/relay/withdraw", handlers.Relay.Withdraw)
	mux.HandleFunc("GET /api/relay/status", handlers.Relay.Status)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = corsMiddleware(cfg.CORSOrigins)(h)

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
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
