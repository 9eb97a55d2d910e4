// Package app is the main orchestrator that ties all service components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowforge-ai/flowforge/api"
	"github.com/flowforge-ai/flowforge/auth"
	"github.com/flowforge-ai/flowforge/billing"
	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/generator"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/usage"
)

// App is the main service process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	engine       *usage.Engine
	api          *api.Server
	logger       *slog.Logger
}

// New creates the service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	engine := usage.NewEngine(db, cfg.Usage.TrialDays)
	gen := generator.New(cfg.Generation, logger)

	billingSvc, err := billing.NewService(db, cfg.Billing, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init billing: %w", err)
	}

	apiSrv := api.NewServer(db, authProvider, loginProvider, engine, gen, billingSvc, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		engine:       engine,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters; use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin); change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	if cfg.Generation.OpenAIAPIKey == "" {
		logger.Warn("no OpenAI API key configured; all generations will use fallback skeletons")
	}
	if !cfg.Billing.Enabled {
		logger.Info("billing disabled; checkout and portal endpoints unavailable")
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if a.cfg.Storage.AuditRetention.Duration > 0 || a.cfg.Storage.WorkflowRetention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.AuditRetention.Duration, a.cfg.Storage.WorkflowRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, auditRetention, workflowRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if auditRetention > 0 {
				cutoff := time.Now().Add(-auditRetention)
				if n, err := a.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
					a.logger.Warn("retention purge: audit events failed", "error", err)
				} else if n > 0 {
					a.logger.Info("retention purge: deleted old audit events", "count", n)
				}
			}
			if workflowRetention > 0 {
				cutoff := time.Now().Add(-workflowRetention)
				if n, err := a.store.PurgeOldWorkflows(ctx, cutoff); err != nil {
					a.logger.Warn("retention purge: workflows failed", "error", err)
				} else if n > 0 {
					a.logger.Info("retention purge: deleted old workflows", "count", n)
				}
			}
		}
	}
}
