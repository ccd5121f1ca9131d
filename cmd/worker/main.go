package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/config"
	"github.com/freakifranky/image-creator/internal/pipeline"
	"github.com/freakifranky/image-creator/internal/retention"
	"github.com/freakifranky/image-creator/internal/storage"
	"github.com/freakifranky/image-creator/internal/store"
	"github.com/freakifranky/image-creator/internal/telemetry"
	"github.com/freakifranky/image-creator/internal/webhook"
	"github.com/freakifranky/image-creator/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "image-creator-worker",
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

	var objectStore pipeline.ObjectStore
	var retentionObjects retention.ObjectStore
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
		objectStore = storageClient
		retentionObjects = storageClient
	}

	var (
		jobStore   store.JobStore
		usageStore store.UsageStore
	)
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres init failed: %v", err)
		}
		defer pg.Close()
		jobStore, usageStore = pg, pg
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, post, objectStore, webhookClient, jobStore, usageStore)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	if cfg.Retention.Enabled {
		sweeper, err := retention.NewSweeper(logger, retention.Config{
			Schedule:     cfg.Retention.Schedule,
			TTL:          cfg.Retention.TTL,
			LocalDir:     cfg.Worker.LocalOutputDir,
			ObjectPrefix: cfg.Worker.OutputPrefix,
		}, retentionObjects)
		if err != nil {
			logger.Fatalf("retention init failed: %v", err)
		}
		sweeper.OnSweep(srv.ObserveRetention)
		if err := sweeper.Start(); err != nil {
			logger.Fatalf("retention start failed: %v", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sweeper.Stop(stopCtx)
		}()
		logger.Printf("retention sweeper schedule=%s ttl=%s", cfg.Retention.Schedule, cfg.Retention.TTL)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Printf("worker failed: %v", err)
		}
	case <-stop:
		logger.Println("shutting down")
		srv.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}
