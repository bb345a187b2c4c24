package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatpipe/internal/bus"
	"chatpipe/internal/cache"
	"chatpipe/internal/config"
	"chatpipe/internal/constants"
	"chatpipe/internal/media"
	"chatpipe/internal/metrics"
	"chatpipe/internal/queue"
	"chatpipe/internal/retry"
	"chatpipe/internal/service"
	"chatpipe/internal/store"
	"chatpipe/internal/tracing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes unmasked identities)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatpipe %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatpipe")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - identities will be logged unmasked")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultStoreConnectRetries,
		Jitter:       true,
	})

	// Initialize the durable store with exponential backoff retry
	var db *store.Database
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = store.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize store: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize store after retries: %w", err)
	}
	defer db.Close()

	queueBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Jitter:       true,
	})
	queueCfg := queue.Config{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutSec) * time.Second,
		Backoff:           queueBackoff,
		DequeueBlock:      constants.DefaultDequeueBlockSec * time.Second,
	}

	// Redis backs the queue, bus and cache in fleet mode. Without it the
	// process runs self-contained on the in-memory implementations.
	var (
		jobQueue  queue.Queue
		eventBus  bus.Bus
		readCache cache.Cache
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		err = backoff.Retry(ctx, func() error {
			pingErr := rdb.Ping(ctx).Err()
			if pingErr != nil {
				logger.Warnf("Failed to connect to redis: %v", pingErr)
			}
			return pingErr
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis after retries: %w", err)
		}
		defer rdb.Close()

		jobQueue = queue.NewRedisQueue(rdb, queueCfg, logger)
		eventBus = bus.NewRedisBus(rdb, logger)
		readCache = cache.NewRedisCache(rdb)
		logger.WithField("addr", cfg.Redis.Addr).Info("Running in fleet mode on redis")
	} else {
		jobQueue = queue.NewMemoryQueue(queueCfg)
		eventBus = bus.NewMemoryBus()
		readCache = cache.NewMemoryCache()
		logger.Info("No redis configured, running in single-node mode")
	}
	defer jobQueue.Close()
	defer eventBus.Close()

	var uploader media.Uploader
	if cfg.Media.UploadURL != "" {
		uploader = media.NewClient(cfg.Media, logger)
	} else {
		uploader = media.NewMemoryUploader()
		logger.Info("No media store configured, using in-memory uploads")
	}

	metricsRegistry := metrics.NewRegistry()

	registry := service.NewRegistry(db, eventBus, logger)
	dispatcher := service.NewDispatcher(registry, eventBus, logger, metricsRegistry)
	ingestor := service.NewIngestor(jobQueue, db, eventBus, logger, metricsRegistry)

	workers := service.NewWorkerPool(service.WorkerPoolConfig{
		DirectWorkers:     cfg.Queue.DirectWorkers,
		GroupWorkers:      cfg.Queue.GroupWorkers,
		VisibilityTimeout: queueCfg.VisibilityTimeout,
		MembersCacheTTL:   time.Duration(cfg.Cache.GroupMembersTTLSec) * time.Second,
	}, jobQueue, db, readCache, eventBus, uploader, logger, metricsRegistry)

	janitor := service.NewQueueJanitor(
		jobQueue,
		constants.DefaultJanitorIntervalSec*time.Second,
		time.Duration(cfg.Server.CleanupIntervalMins)*time.Minute,
		time.Duration(cfg.Queue.DeadRetentionHours)*time.Hour,
		logger,
	)

	// Background pipeline: workers, dispatcher and janitor all stop on
	// context cancellation.
	pipelineCtx, cancelPipeline := context.WithCancel(ctx)
	defer cancelPipeline()

	g, pipelineCtx := errgroup.WithContext(pipelineCtx)
	g.Go(func() error { return workers.Run(pipelineCtx) })
	g.Go(func() error { return dispatcher.Run(pipelineCtx) })
	g.Go(func() error {
		janitor.Start(pipelineCtx)
		return nil
	})

	server := NewServer(cfg.Server, ingestor, registry, jobQueue, metricsRegistry, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	// Shutdown order: stop accepting requests, close connections, then
	// drain the pipeline.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown server gracefully")
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown connection registry gracefully")
	}
	cancelPipeline()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Warn("Pipeline shutdown reported error")
	}

	logger.Info("Server shutdown completed")
	return nil
}
