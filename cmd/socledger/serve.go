package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/socledger/socledger/internal/access"
	"github.com/socledger/socledger/internal/config"
	"github.com/socledger/socledger/internal/server"
)

// ============================================================================
// socledger serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the socledger HTTP API on the address from config.yaml
(default 127.0.0.1:4100):

  GET  /api/logs, /api/logs/verify, /api/logs/export, /api/logs/ws   (Auditor)
  POST /api/audit/events, /api/access/check
  GET  /health, /metrics`,
	RunE: runServe,
}

// runServe wires every subsystem and blocks until SIGINT/SIGTERM:
//
//  1. Load config.yaml, the encryption key, and the token secret
//  2. Open the store and start the audit writer (appends feed the live feed)
//  3. Load the access rule table into the gate
//  4. Watch the rule table and user directory for changes (access.watch)
//  5. Serve HTTP, then drain requests and the audit queue on shutdown
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Step 1-2: audit log with live feed ---
	feed := server.NewFeed()
	defer feed.Close()

	auditLog, deps, err := openLog(ctx, feed.Publish)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	cfg, logger := deps.cfg, deps.logger

	secret, err := config.JWTSecret(cfg)
	if err != nil {
		return err
	}

	// --- Step 3: access gate ---
	loc, err := cfg.Access.Location()
	if err != nil {
		return err
	}
	table, err := access.LoadTable(cfg.Access.RulesPath)
	if err != nil {
		return fmt.Errorf("failed to load access rules: %w", err)
	}
	gate := access.NewGate(table, access.Options{Location: loc, Metrics: deps.metrics})
	logger.Info("access rules loaded", "roles", len(table.Roles()), "location", loc.String())

	// --- Step 4: hot reload ---
	if cfg.Access.Watch {
		watcher, err := config.NewWatcher(cfg, config.WatchTargets{
			OnAccessRulesChange: func() {
				t, err := access.LoadTable(cfg.Access.RulesPath)
				if err != nil {
					logger.Warn("access rules reload failed; keeping previous table", "error", err)
					return
				}
				gate.Swap(t)
				logger.Info("access rules reloaded", "roles", len(t.Roles()))
			},
			OnDirectoryChange: func() {
				if err := deps.directory.Reload(cfg.Identity.Directory); err != nil {
					logger.Warn("user directory reload failed", "error", err)
					return
				}
				logger.Info("user directory reloaded", "users", deps.directory.Len())
			},
		})
		if err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		defer watcher.Close()
	}

	// --- Step 5: HTTP ---
	srv := server.New(server.Options{
		Log:     auditLog,
		Gate:    gate,
		Feed:    feed,
		Metrics: deps.metrics,
		Logger:  logger,
		Secret:  secret,
		Issuer:  cfg.Auth.Issuer,
		Version: version,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("socledger listening", "addr", httpServer.Addr, "store", cfg.Store.Driver, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Deferred auditLog.Close drains records still queued.
	logger.Info("stopped")
	return nil
}
