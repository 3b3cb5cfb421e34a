package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/logix/internal/config"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/email"
	"github.com/dukerupert/logix/internal/logging"
	"github.com/dukerupert/logix/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) > 1 {
		if err := runCommand(context.Background(), cfg, logger, os.Args[1:]); err != nil {
			slog.Error("command failed", "command", os.Args[1], "error", err)
			os.Exit(1)
		}
		return
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	if !emailClient.Configured() {
		slog.Warn("postmark not configured, receipts disabled")
	}

	srv := server.New(db, server.Config{App: cfg, EmailClient: emailClient}, logger)

	// No WriteTimeout: /payment/events holds a websocket open.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	backupMgr := srv.BackupManager()
	if backupMgr.Enabled() {
		backupMgr.Start(cleanupCtx)
		slog.Info("ledger backups enabled", "interval", cfg.BackupInterval, "retention_days", cfg.BackupRetentionDays)
	}
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.Tokens().DeleteExpired(cleanupCtx); err != nil {
					slog.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("logix starting", "addr", ":"+cfg.Port, "base_url", cfg.BaseURL, "default_provider", cfg.DefaultProvider)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	backupMgr.Stop()
	srv.WaitNotifications()
}
