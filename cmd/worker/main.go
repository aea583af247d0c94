package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailtriage/internal/app"
	"mailtriage/internal/config"
	"mailtriage/internal/httpserver"
	"mailtriage/internal/inference"
	"mailtriage/internal/mail"
	"mailtriage/internal/pipeline"
	"mailtriage/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting mailtriage worker...",
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Int64("fetch_interval_ms", cfg.Pipeline.FetchIntervalMs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := app.InitTracing(cfg, "worker", log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	// Init Redis / Postgres / RabbitMQ
	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close()

	// Init collaborators
	mailClient := mail.NewGmailClient(cfg.GmailConfig(), log.Named("gmail"))
	inferenceClient, err := inference.NewGenAIClient(ctx, cfg.InferenceConfig(), log.Named("inference"))
	if err != nil {
		log.Fatal("Inference client initialization failed", zap.Error(err))
	}

	p, err := pipeline.New(pipeline.Options{
		Mail:      mailClient,
		Inference: inferenceClient,
		Store:     infra.Store,
		Recorder:  infra.Recorder(),
		Failures:  infra.FailureCounter(),
		Config:    cfg.PipelineConfig(),
		Logger:    log.Named("pipeline"),
	})
	if err != nil {
		log.Fatal("Pipeline initialization failed", zap.Error(err))
	}

	// 进程内同时提供触发接口；独立部署时使用 cmd/api
	router := httpserver.NewRouter(
		httpserver.NewUserHandler(p.Coordinator(), log.Named("http")),
		cfg.JWT.Secret,
		log.Named("http"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.Start(gctx)
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return p.Stop(stopCtx)
	})
	g.Go(func() error {
		return router.Run(gctx, ":"+cfg.Server.Port)
	})

	log.Info("Worker is ready to process jobs")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Worker stopped with error", zap.Error(err))
		infra.Close()
		os.Exit(1)
	}
	log.Info("Worker stopped")
}
