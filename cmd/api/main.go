package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voxwire/cdrhub/internal/api"
	"github.com/voxwire/cdrhub/internal/api/handler"
	"github.com/voxwire/cdrhub/internal/config"
	"github.com/voxwire/cdrhub/internal/idempotency"
	"github.com/voxwire/cdrhub/internal/jobs"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/repository"
	"github.com/voxwire/cdrhub/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	statusRepo := repository.NewJobStatusRepository(db)
	failureRepo := repository.NewFailureRepository(db)

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Provider),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	ctx := context.Background()
	if ensurer, ok := objectStorage.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := ensurer.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}

	// Queue client for handing completed uploads to the orchestrator
	queueClient, err := jobs.NewClient(cfg.Queue.RedisURL, cfg.Queue.MaxRetry)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize queue client")
	}
	defer queueClient.Close()

	// Redis-backed idempotency cache for upload initiation
	redisOpt, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to parse redis url")
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()
	idemCache := idempotency.NewCache(redisClient, cfg.Ingest.IdempotencyTTL)

	// Initialize handlers
	uploadHandler := handler.NewUploadHandler(statusRepo, objectStorage, queueClient,
		idemCache, cfg.Storage.Bucket, cfg.Ingest.UploadURLExpiry)
	statusHandler := handler.NewStatusHandler(statusRepo, failureRepo)

	// Setup router
	router := api.SetupRouter(&cfg.Server, api.Dependencies{
		DB:       db,
		Uploads:  uploadHandler,
		Statuses: statusHandler,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
