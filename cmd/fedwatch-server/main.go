package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fedwatch/fedwatch/internal/analytics"
	"github.com/fedwatch/fedwatch/internal/api"
	"github.com/fedwatch/fedwatch/internal/cache"
	"github.com/fedwatch/fedwatch/internal/config"
	"github.com/fedwatch/fedwatch/internal/fetch"
	"github.com/fedwatch/fedwatch/internal/hub"
	"github.com/fedwatch/fedwatch/internal/mirror"
	"github.com/fedwatch/fedwatch/internal/pipeline"
	"github.com/fedwatch/fedwatch/internal/store"
	"github.com/fedwatch/fedwatch/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting fedwatch server",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("sessions_dir", cfg.SessionsDir),
		zap.Bool("watch_enabled", cfg.WatchEnabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	if err := pgStore.InitSchema(ctx); err != nil {
		logger.Fatal("failed to init schema", zap.Error(err))
	}
	logger.Info("postgres connected")

	// Object store client
	fetcher, err := fetch.New(fetch.Config{
		Endpoint:       cfg.S3Endpoint,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Region:         cfg.S3Region,
		UseSSL:         cfg.S3UseSSL,
		RequestTimeout: cfg.S3Timeout,
		MaxAttempts:    uint(cfg.S3Attempts),
	}, logger)
	if err != nil {
		logger.Fatal("failed to create object store client", zap.Error(err))
	}

	// Redis event cache (optional)
	var eventCache *cache.EventCache
	if cfg.RedisURL != "" {
		eventCache, err = cache.New(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, event cache disabled", zap.Error(err))
		} else {
			defer func() { _ = eventCache.Close() }()
			logger.Info("redis event cache connected")
		}
	}

	// Analytics sink — ClickHouse or LogWriter fallback
	var sink analytics.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := analytics.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			sink = analytics.NewLogWriter(logger)
		} else {
			sink = chWriter
			logger.Info("clickhouse analytics writer connected")
		}
	} else {
		sink = analytics.NewLogWriter(logger)
		logger.Info("no FEDWATCH_CLICKHOUSE_DSN set, using log writer")
	}
	defer sink.Close()

	// Broadcast hub
	broadcastHub := hub.NewHub(logger)
	go broadcastHub.Run(ctx)

	// Shared pipeline
	pipe := &pipeline.Pipeline{
		Fetcher:   fetcher,
		Store:     pgStore,
		Mirror:    mirror.NewWriter(cfg.SessionsDir),
		Hub:       broadcastHub,
		Analytics: sink,
		Logger:    logger,
	}

	// Session file watcher
	var sessionWatcher *watcher.Watcher
	if cfg.WatchEnabled {
		sessionWatcher = watcher.New(cfg.SessionsDir, cfg.SettleDelay, pipe, logger)
		if err := sessionWatcher.Start(ctx); err != nil {
			logger.Fatal("failed to start session watcher", zap.Error(err))
		}
	}

	// HTTP server
	deps := &api.Dependencies{
		Store:     pgStore,
		Pipeline:  pipe,
		Hub:       broadcastHub,
		Cache:     eventCache,
		WSHandler: hub.ServeWS(broadcastHub, logger),
		SecretKey: cfg.SecretKey,
		Logger:    logger,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	cancel()
	if sessionWatcher != nil {
		sessionWatcher.Wait()
	}

	logger.Info("fedwatch server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
