package main

import (
	"context"
	"os/signal"
	"syscall"

	"mailtriage/internal/app"
	"mailtriage/internal/config"
	"mailtriage/internal/httpserver"
	"mailtriage/internal/pipeline"
	"mailtriage/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Queue.Driver == config.DriverMemory {
		// 内存队列与 worker 进程不共享，独立的 api 进程调度的任务不会被执行
		log.Fatal("cmd/api requires the redis queue driver")
	}

	shutdownTracing, err := app.InitTracing(cfg, "api", log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close()

	// api 只负责注册/取消调度，不消费任务
	coord := pipeline.NewCoordinator(infra.Store, cfg.PipelineConfig(), log.Named("coordinator"))

	router := httpserver.NewRouter(
		httpserver.NewUserHandler(coord, log.Named("http")),
		cfg.JWT.Secret,
		log.Named("http"),
	)

	// Start API server
	if err := router.Run(ctx, ":"+cfg.Server.Port); err != nil {
		log.Error("server stopped with error", zap.Error(err))
	}
}
