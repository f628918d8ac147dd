package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxwire/cdrhub/internal/config"
	"github.com/voxwire/cdrhub/internal/jobs"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/repository"
	"github.com/voxwire/cdrhub/internal/service"
	"github.com/voxwire/cdrhub/internal/splitter"
	"github.com/voxwire/cdrhub/internal/storage"
)

func main() {
	// Load configuration
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
	cdrRepo := repository.NewCDRRepository(db)
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

	// Queue client doubles as the dispatcher the orchestrator enqueues with
	queueClient, err := jobs.NewClient(cfg.Queue.RedisURL, cfg.Queue.MaxRetry)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize queue client")
	}
	defer queueClient.Close()

	// Initialize services
	chunkSplitter := splitter.New(objectStorage, appLogger, cfg.Ingest.ChunkTargetBytes)
	orchestrator := service.NewOrchestrator(statusRepo, chunkSplitter, queueClient, appLogger,
		&service.OrchestratorConfig{
			ChunkThresholdBytes: cfg.Ingest.ChunkThresholdBytes,
			Container:           cfg.Storage.Bucket,
		})
	processor := service.NewProcessor(cdrRepo, failureRepo, appLogger, &service.ProcessorConfig{
		BatchSize:        cfg.Ingest.BatchSize,
		MaxOutcomeErrors: cfg.Ingest.MaxOutcomeErrors,
		MaxRawRowLength:  cfg.Ingest.MaxRawRowLength,
	})
	unitWorker := service.NewUnitWorker(statusRepo, processor, objectStorage, appLogger)

	// Start the queue server
	server, err := jobs.NewServer(&jobs.ServerConfig{
		RedisURL:    cfg.Queue.RedisURL,
		Concurrency: cfg.Queue.Concurrency,
	}, orchestrator, unitWorker, statusRepo, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize queue server")
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.WithField("concurrency", cfg.Queue.Concurrency).Info("Starting ingestion workers")
		errCh <- server.Run()
	}()

	// Wait for interrupt signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down workers...")
		server.Shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil {
			appLogger.WithError(err).Fatal("Queue server stopped")
		}
	}

	appLogger.Info("Workers exited")
}
