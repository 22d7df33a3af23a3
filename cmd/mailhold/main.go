package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/avolkov/mailhold/internal/api"
	"github.com/avolkov/mailhold/internal/config"
	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/notify"
	"github.com/avolkov/mailhold/internal/release"
	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/internal/vault"
	"github.com/avolkov/mailhold/internal/watcher"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailhold")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Credential vault
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to create vault", "error", err)
		os.Exit(1)
	}

	// Optional hold notifications
	var notifier watcher.Notifier
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = tg
		logger.Info("telegram notifications enabled")
	}

	watcherCfg := watcher.Config{
		DialTimeout:      cfg.IMAPDialTimeout,
		IdleTimeout:      cfg.IMAPIdleTimeout,
		Keepalive:        cfg.IMAPKeepalive,
		PollInterval:     cfg.PollInterval,
		ReconnectSeed:    cfg.ReconnectSeed,
		ReconnectCap:     cfg.ReconnectCap,
		BreakerThreshold: cfg.BreakerThreshold,
		RawStorePath:     cfg.RawStorePath,
		InlineRawLimit:   cfg.InlineRawLimit,
	}

	watcherDial := func(sc session.Config) (watcher.Session, error) {
		return session.Dial(sc, logger)
	}
	releaseDial := func(sc session.Config) (release.Session, error) {
		return session.Dial(sc, logger)
	}

	supervisor := watcher.NewSupervisor(db, v, watcherCfg, watcherDial, notifier, logger)
	engine := release.NewEngine(db, v, releaseDial, cfg.IMAPDialTimeout, logger)
	server := api.NewServer(engine, supervisor, db, logger)

	// Restore watchers for all active accounts
	supervisor.RestoreAll(ctx)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		supervisor.StopAll(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", "error", err)
		}
		cancel()
	}()

	logger.Info("mailhold is running, press Ctrl+C to stop")
	if err := server.Start(cfg.ListenAddr); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("mailhold stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
