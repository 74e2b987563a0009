package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harshitk-cp/conductor/internal/api"
	"github.com/Harshitk-cp/conductor/internal/buildconfig"
	"github.com/Harshitk-cp/conductor/internal/config"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/Harshitk-cp/conductor/internal/storage"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/Harshitk-cp/conductor/internal/store/memstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	info := buildconfig.Get()
	logger.Info("starting", zap.String("version", info.Version), zap.String("commit", info.Commit))

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, buildconfig.ServiceName, config.OTelExporter(), config.OTelEndpoint())
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	var stores api.Stores
	switch config.StoreBackend() {
	case "postgres":
		dbURL := config.DatabaseURL()
		if dbURL == "" {
			logger.Fatal("DATABASE_URL is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		logger.Info("connected to database")

		if err := store.Migrate(ctx, pool, config.MigrationsPath(), logger); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
		stores = api.PostgresStores(pool)
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		stores = api.MemoryStores(memstore.New())
	default:
		logger.Fatal("unknown STORE_BACKEND", zap.String("backend", config.StoreBackend()))
	}

	presigner, err := newPresigner(logger)
	if err != nil {
		logger.Fatal("failed to configure artifact storage", zap.Error(err))
	}

	app := api.NewApp(stores, api.Options{
		WebhookSecret:   config.WebhookSecret(),
		OperatorToken:   config.OperatorToken(),
		Presigner:       presigner,
		RateLimitRPS:    config.RateLimitRPS(),
		RateLimitBurst:  config.RateLimitBurst(),
		SubmitPerMinute: config.SubmitRatePerMinute(),
		SubmitBurst:     config.SubmitBurst(),
		SweepInterval:   config.SweepInterval(),
		CleanupInterval: config.CleanupInterval(),
	}, logger)

	// Start background jobs
	app.Scheduler.Start()

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background jobs after the listener drains
	app.Scheduler.Stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger.With(zap.String("service", buildconfig.ServiceName))
}

func newPresigner(logger *zap.Logger) (storage.Presigner, error) {
	switch config.ArtifactBackend() {
	case "minio":
		return storage.NewMinioPresigner(storage.MinioConfig{
			Endpoint:  config.MinioEndpoint(),
			AccessKey: config.MinioAccessKey(),
			SecretKey: config.MinioSecretKey(),
			Bucket:    config.MinioBucket(),
			Region:    config.MinioRegion(),
			UseSSL:    config.MinioUseSSL(),
		})
	default:
		secret := config.ArtifactSigningSecret()
		if secret == "" {
			logger.Warn("no artifact signing secret configured, presigned URLs are unauthenticated")
		}
		return storage.NewSignedURLPresigner(config.ArtifactBaseURL(), secret), nil
	}
}
