package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyflow/custody/internal/config"
	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/middleware"
	apperrors "github.com/copyflow/custody/pkg/errors"
)

// Server represents the HTTP server
type Server struct {
	config         *config.Config
	authService    AuthService
	custodyService CustodyService
	sessionAuth    *middleware.SessionAuth
	rateLimiter    *middleware.RateLimiter
	httpServer     *http.Server
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	authService AuthService,
	custodyService CustodyService,
	sessionAuth *middleware.SessionAuth,
	rateLimiter *middleware.RateLimiter,
) *Server {
	return &Server{
		config:         cfg,
		authService:    authService,
		custodyService: custodyService,
		sessionAuth:    sessionAuth,
		rateLimiter:    rateLimiter,
	}
}

// Handler builds the full routing and middleware chain. Split from Start so
// tests can drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/auth/challenge", s.handleChallenge)
	mux.HandleFunc("/v1/auth/signin", s.handleSignIn)

	// Session management (authenticated)
	mux.Handle("/v1/auth/signout",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleSignOut)))
	mux.Handle("/v1/auth/signout-all",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleSignOutAll)))
	mux.Handle("/v1/auth/sessions",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleSessions)))
	mux.Handle("/v1/auth/sessions/",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleSessionOperations)))

	// Audit history (authenticated)
	mux.Handle("/v1/auth/security-events",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleSecurityEvents)))

	// Key custody (authenticated; reveal additionally demands a fresh
	// wallet signature inside the handler chain)
	mux.Handle("/v1/wallets/",
		s.sessionAuth.Authenticate(http.HandlerFunc(s.handleWalletOperationsRouter)))

	// Chain: ClientContext -> Logging -> IP rate limit -> Routes
	return middleware.ClientContext(s.loggingMiddleware(s.rateLimiter.Limit(mux)))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		logger.FromContext(r.Context()).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", err.RetryAfter))
	}
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}

// handleServiceError maps a service error onto the response. Anything that
// is not an AppError is an unclassified bug and reported generically.
func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := apperrors.IsAppError(err); ok {
		s.writeError(w, appErr)
		return
	}

	logger.FromContext(r.Context()).Error("unclassified handler error", "path", r.URL.Path, "error", err)
	s.writeError(w, apperrors.ErrInternalError)
}
