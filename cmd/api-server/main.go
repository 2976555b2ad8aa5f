package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hillpark/pharmacy-booking/internal/api"
	"github.com/hillpark/pharmacy-booking/internal/auth"
	"github.com/hillpark/pharmacy-booking/internal/config"
	"github.com/hillpark/pharmacy-booking/internal/db"
	"github.com/hillpark/pharmacy-booking/internal/documents"
	redisclient "github.com/hillpark/pharmacy-booking/internal/redis"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, cfg.RedisPoolSize)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	// Connect MinIO
	minioClient, err := documents.NewMinioClient(cfg.Minio)
	if err != nil {
		logger.Fatal("minio client error", zap.Error(err))
	}
	bucketCtx, cancelBucket := context.WithTimeout(rootCtx, 10*time.Second)
	err = documents.EnsureBucket(bucketCtx, minioClient, cfg.Minio.Bucket)
	cancelBucket()
	if err != nil {
		logger.Fatal("minio bucket error", zap.Error(err))
	}
	logger.Info("connected to MinIO", zap.String("bucket", cfg.Minio.Bucket))

	repo := scheduling.NewPgRepository(pgPool)
	labels := scheduling.NewTimeLabelSet(cfg.TimeLabels)
	registry := scheduling.NewSlotRegistry(repo, labels, logger)
	ledger := scheduling.NewAppointmentLedger(repo, logger)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	coordinator := scheduling.NewCoordinator(registry, ledger, repo, locker, logger)

	provider := auth.NewProvider(auth.NewPgUserStore(pgPool), logger)
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	docStore := documents.NewMinioStore(minioClient, cfg.Minio.Bucket, logger)

	router := api.NewRouter(api.RouterConfig{
		Coordinator: coordinator,
		Provider:    provider,
		Issuer:      issuer,
		Documents:   docStore,
		PgPool:      pgPool,
		Redis:       rdb,
		Logger:      logger,
		Env:         cfg.Env,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	return logger
}
