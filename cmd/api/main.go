package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freakifranky/image-creator/internal/api"
	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/config"
	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/freakifranky/image-creator/internal/queue"
	"github.com/freakifranky/image-creator/internal/ratelimit"
	"github.com/freakifranky/image-creator/internal/storage"
	"github.com/freakifranky/image-creator/internal/store"
	"github.com/freakifranky/image-creator/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "image-creator-api",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := codec.Startup(); err != nil {
		logger.Fatalf("codec startup failed: %v", err)
	}
	defer codec.Shutdown()

	post, err := pipeline.NewFromConfig(cfg.Postprocess)
	if err != nil {
		logger.Fatalf("postprocessor init failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:     cfg.Queue.Name,
		MaxRetry:  cfg.Queue.MaxRetry,
		Timeout:   cfg.Queue.TaskTimeout,
		Retention: cfg.Queue.TaskRetention,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres init failed: %v", err)
		}
		defer pg.Close()
		jobStore = pg
	}

	opts := api.Options{
		PresignTTL:            cfg.API.PresignTTL,
		OutputPrefix:          cfg.Worker.OutputPrefix,
		LocalOutputDir:        cfg.Worker.LocalOutputDir,
		MaxUploadBytes:        cfg.Postprocess.MaxUploadBytes,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		BytesPerToken:         cfg.RateLimit.BytesPerToken,
		Tracer:                otel.Tracer("image-creator/api"),
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:       cfg.Storage.Endpoint,
		Access:         cfg.Storage.AccessKey,
		Secret:         cfg.Storage.SecretKey,
		Bucket:         cfg.Storage.Bucket,
		UseSSL:         cfg.Storage.UseSSL,
		MaxObjectBytes: cfg.Storage.MaxObjectBytes,
	})
	if err != nil {
		logger.Printf("object storage disabled: %v", err)
	} else if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("object storage disabled: %v", err)
	} else {
		opts.Storage = storageClient
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, queueClient, jobStore, post, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s max_upload_bytes=%d", cfg.API.Addr, cfg.Postprocess.MaxUploadBytes)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
