package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"avatarforge/internal/config"
	"avatarforge/internal/util"
	"avatarforge/pkg/events"
	"avatarforge/pkg/inference"
	"avatarforge/pkg/modelstore"
	"avatarforge/pkg/pipeline"
	"avatarforge/pkg/queue"
	"avatarforge/pkg/storage"
	"avatarforge/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}

	models, err := modelstore.NewMongoModelStore(cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		log.Fatalf("failed to init model store: %v", err)
	}
	defer func() {
		if err := models.Close(context.Background()); err != nil {
			logger.Warn("close model store", "err", err)
		}
	}()

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	ml := inference.NewClient(cfg.MLServiceURL, inference.Timeouts{
		BackgroundRemoval: time.Duration(cfg.BackgroundRemovalTimeoutSeconds) * time.Second,
		PoseDetection:     time.Duration(cfg.PoseDetectionTimeoutSeconds) * time.Second,
		Measurement:       time.Duration(cfg.MeasurementTimeoutSeconds) * time.Second,
		Classification:    time.Duration(cfg.ClassificationTimeoutSeconds) * time.Second,
	})

	broadcaster := events.NewBroadcaster()

	var terminal pipeline.TerminalPublisher
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("failed to init amqp publisher: %v", err)
		}
		defer publisher.Close()
		terminal = publisher
	}

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Store:     db,
		Models:    models,
		Objects:   objects,
		Inference: ml,
		Events:    broadcaster,
		Terminal:  terminal,
	})

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		Stream:      cfg.QueueName,
		Group:       cfg.QueueGroup,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: time.Duration(cfg.QueueBackoffBaseSeconds) * time.Second,
		BackoffCap:  time.Duration(cfg.QueueBackoffCapSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	jobQueue.Start(ctx, cfg.QueueConcurrency, func(ctx context.Context, job queue.JobStatus) error {
		return orch.Execute(ctx, job.ID)
	})
	slog.Info("avatar worker started",
		"queue", cfg.QueueName, "concurrency", cfg.QueueConcurrency, "ml_service", cfg.MLServiceURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "mlService": "ok"}
		code := http.StatusOK
		if err := ml.Health(r.Context()); err != nil {
			status["mlService"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestID(util.WithRequestLog("worker", mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("worker health endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
