package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	handler "calendar-backend/api"
	"calendar-backend/pkg/config"
	"calendar-backend/pkg/database"
	"calendar-backend/pkg/handlers"
	"calendar-backend/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.LoadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.GetDatabase(ctx, handler.DatabaseConfig(cfg))
	if err != nil {
		return err
	}
	defer database.ClosePool()

	tcp := server.New(cfg, handlers.NewDispatcher(cfg, db, logger), logger)
	errCh := make(chan error, 2)
	go func() {
		errCh <- tcp.ListenAndServe(ctx)
	}()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler.NewRouter(cfg, db, logger),
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.RequestTimeout + cfg.WriteTimeout,
		}
		go func() {
			logger.Info("🌐 HTTP gateway listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil && !errors.Is(runErr, server.ErrServerClosed) {
			logger.Error("listener failed", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP gateway shutdown", "error", err)
		}
	}
	if err := tcp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("TCP server shutdown", "error", err)
	}

	if errors.Is(runErr, server.ErrServerClosed) {
		return nil
	}
	return runErr
}

// newLogger 根据环境选择日志格式: JSON in production, text otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
