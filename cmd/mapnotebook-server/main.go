// Package main provides the mapnotebook HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/mapnotebook/internal/config"
	"github.com/raphaelgruber/mapnotebook/internal/db"
	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/metrics"
	"github.com/raphaelgruber/mapnotebook/internal/nspd"
	"github.com/raphaelgruber/mapnotebook/internal/remote"
	"github.com/raphaelgruber/mapnotebook/internal/server"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe batch history on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	if err := run(cfg, logger, *wipeDB); err != nil {
		logger.Error("server failed", "error", err)
		cleanup()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, wipe bool) error {
	logger.Info("mapnotebook-server starting",
		"version", version,
		"port", cfg.Port,
		"session_backend", cfg.SessionBackend,
		"history", cfg.HistoryEnabled,
	)
	if cfg.DiskToken == "" {
		logger.Warn("YANDEX_DISK_TOKEN is not set, uploads will be rejected until it is configured")
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	stats := metrics.NewCollector()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, closeSessions, err := openSessions(startCtx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	deps := server.Deps{
		Registry: decode.NewRegistry(decode.Options{ShapefileLabels: decode.LabelStyle(cfg.ShapefileLabels)}),
		Lookup: nspd.NewAdapter(nspd.NewClient(nspd.Config{
			URL:         cfg.NSPDURL,
			Timeout:     cfg.NSPDTimeout,
			InsecureTLS: cfg.NSPDInsecureTLS,
		})),
		Stats: stats,
	}

	var history service.HistoryStore
	if cfg.HistoryEnabled {
		dbClient, err := openHistory(startCtx, cfg, logger, wipe)
		if err != nil {
			return err
		}
		defer func() {
			logger.Info("closing database connection")
			if err := dbClient.Close(context.Background()); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}()
		history = dbClient
		deps.History = dbClient
	}

	storage := remote.NewYandexDisk(remote.Config{
		APIURL:                cfg.DiskAPIURL,
		Token:                 cfg.DiskToken,
		MetaConnectTimeout:    cfg.RemoteMetaConnectTimeout,
		MetaReadTimeout:       cfg.RemoteMetaReadTimeout,
		PayloadConnectTimeout: cfg.RemotePayloadConnectTimeout,
		PayloadReadTimeout:    cfg.RemotePayloadReadTimeout,
		MaxAttempts:           cfg.RemoteMaxAttempts,
	}, stats)

	batches := service.NewBatchService(service.BatchConfig{
		BaseFolder:       cfg.DiskBaseFolder,
		StateDir:         cfg.StateDir,
		MaxConcurrent:    cfg.BatchMaxConcurrent,
		SerializeFolders: cfg.BatchSerializeFolders,
		Retention:        cfg.SessionRetention,
	}, storage, sessions, history, stats)
	deps.Batches = batches

	srv := server.New(server.Config{
		MaxRequestBytes: cfg.MaxRequestBytes(),
		MaxFileBytes:    cfg.MaxUploadBytes(),
		TempDir:         cfg.TempDir,
		PollInterval:    cfg.StreamPollInterval,
		Linger:          cfg.StreamLinger,
		WaitTimeout:     cfg.StreamWaitTimeout,
	}, deps, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: progress streams stay open for the whole batch.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "url", fmt.Sprintf("http://localhost:%d/", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting uploads first, then let running batches finish.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := batches.Wait(ctx); err != nil {
		logger.Warn("batches still running at shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// openSessions builds the configured session store.
func openSessions(ctx context.Context, cfg config.Config) (service.SessionStore, func(), error) {
	if cfg.SessionBackend != "redis" {
		return service.NewMemoryStore(), func() {}, nil
	}
	rc, err := service.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	// Keys must outlive the in-process retention timer.
	ttl := max(time.Hour, 2*cfg.SessionRetention)
	return service.NewRedisStore(rc, ttl), func() { _ = rc.Close() }, nil
}

// openHistory connects to SurrealDB and prepares the batch table.
func openHistory(ctx context.Context, cfg config.Config, logger *slog.Logger, wipe bool) (*db.Client, error) {
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := dbClient.InitSchema(ctx); err != nil {
		_ = dbClient.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if wipe || os.Getenv("MAPNOTEBOOK_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			_ = dbClient.Close(ctx)
			return nil, fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("batch history wiped")
	}
	return dbClient, nil
}
