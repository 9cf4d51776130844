package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirk1998/authsession/internal/audit"
	"github.com/amirk1998/authsession/internal/config"
	"github.com/amirk1998/authsession/internal/httpclient"
	"github.com/amirk1998/authsession/internal/logger"
	"github.com/amirk1998/authsession/internal/login"
	"github.com/amirk1998/authsession/internal/ratelimit"
	"github.com/amirk1998/authsession/internal/session"
	"github.com/amirk1998/authsession/internal/store"
)

type Application struct {
	config       *config.Config
	db           *sql.DB
	store        *store.Store
	client       *httpclient.Client
	session      *session.Manager
	auditLogger  *audit.Logger
	auditMonitor *audit.Monitor
	rateLimiter  *ratelimit.RateLimiter
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

// initializeApplication sets up all application components
func initializeApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	credentials, db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	// Initialize audit logger
	auditLogger, err := audit.NewLogger(db, cfg.AuditLogPath, cfg.AuditAsyncMode)
	if err != nil {
		credentials.Close()
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	// Initialize rate limiter
	rateLimiter := ratelimit.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	client := httpclient.New(httpclient.Options{
		BaseURL:           cfg.APIBaseURL,
		Timeout:           cfg.RequestTimeout,
		Limiter:           rateLimiter,
		DeviceFingerprint: httpclient.DeviceFingerprint(),
	})

	manager := session.NewManager(client, credentials, auditLogger)
	manager.OnInvalidated(func() {
		fmt.Fprintln(os.Stderr, "Your session has ended. Please log in again.")
	})

	return &Application{
		config:       cfg,
		db:           db,
		store:        credentials,
		client:       client,
		session:      manager,
		auditLogger:  auditLogger,
		auditMonitor: audit.NewMonitor(auditLogger),
		rateLimiter:  rateLimiter,
	}, nil
}

func (app *Application) newOrchestrator() *login.Orchestrator {
	return login.New(app.session, login.Config{
		Threshold: app.config.LockoutThreshold,
		Duration:  app.config.LockoutDuration,
	}, app.auditLogger)
}

// startBackground runs the limiter cleanup and security monitoring until ctx ends
func (app *Application) startBackground(ctx context.Context) {
	go app.rateLimiter.StartCleanupWorker(ctx, 10*time.Minute)
	go app.startSecurityMonitoring(ctx)
}

// startSecurityMonitoring checks for failed-login bursts now and every five minutes
func (app *Application) startSecurityMonitoring(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		alerts, err := app.auditMonitor.DetectFailedLogins()
		if err != nil {
			slog.Warn("security monitoring failed", "error", err)
		}
		for _, alert := range alerts {
			fmt.Fprintf(os.Stderr, "[Security] %d failed logins for %q in the last 5 minutes\n", alert.Failures, alert.Username)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanup performs cleanup operations
func (app *Application) cleanup() {
	if app.auditLogger != nil {
		app.auditLogger.Close()
	}

	if app.store != nil {
		app.store.Close()
	}

	if app.db != nil {
		app.db.Close()
	}
}
