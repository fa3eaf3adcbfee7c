package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/copyflow/custody/internal/access"
	"github.com/copyflow/custody/internal/api"
	"github.com/copyflow/custody/internal/app"
	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/config"
	"github.com/copyflow/custody/internal/keyvault"
	"github.com/copyflow/custody/internal/kms"
	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/metrics"
	"github.com/copyflow/custody/internal/middleware"
	"github.com/copyflow/custody/internal/ratelimit"
	"github.com/copyflow/custody/internal/session"
	"github.com/copyflow/custody/internal/storage"
)

const sessionSweepInterval = time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize database
	store, err := storage.New(cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("connected to database")

	// Initialize master key provider
	master, err := kms.New(cfg.KMSConfig())
	if err != nil {
		slog.Error("failed to initialize master key provider", "error", err)
		os.Exit(1)
	}
	slog.Info("initialized master key provider", "provider", master.Name())

	// Repositories
	keyRecords := storage.NewKeyRecordRepository(store)
	sessions := storage.NewSessionRepository(store)
	attempts := storage.NewAuthAttemptRepository(store.DB())
	auditEvents := storage.NewAuditEventRepository(store)
	ownership := storage.NewOwnershipRepository(store)

	// Core subsystems
	auditor := audit.NewLogger(auditEvents)
	limiter := ratelimit.NewLimiter(attempts)
	accessCtrl := access.NewController(ownership)
	vault := keyvault.NewService(keyRecords, master, auditor)

	sessionManager, err := session.NewManager(sessions, cfg.SessionSigningSecret)
	if err != nil {
		slog.Error("failed to initialize session manager", "error", err)
		os.Exit(1)
	}

	// Application services
	authService := app.NewAuthService(sessionManager, limiter, auditor, auditEvents)
	custodyService := app.NewCustodyService(vault, accessCtrl, limiter, auditor)

	// Middleware
	sessionAuth := middleware.NewSessionAuth(sessionManager)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled)

	// Initialize API server
	server := api.NewServer(cfg, authService, custodyService, sessionAuth, rateLimiter)

	// Periodically sweep expired session rows
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepSessions(sweepCtx, sessionManager)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Wait for either server error or shutdown signal
	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}

// sweepSessions deletes expired session rows on a fixed interval. Expired
// sessions are already unusable; the sweep just keeps the table bounded.
func sweepSessions(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := manager.SweepExpired(ctx)
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				metrics.SessionsSwept.Add(float64(swept))
				slog.Info("swept expired sessions", "count", swept)
			}
		}
	}
}
