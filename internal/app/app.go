// Package app wires infrastructure shared by the worker, api and triagectl binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"mailtriage/internal/config"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/repository"
	"mailtriage/pkg/db"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/otel"
	"mailtriage/pkg/queue"
	redisclient "mailtriage/pkg/redis"
	"mailtriage/pkg/util"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fetch 连续失败计数的过期时间
const failureCounterTTL = 24 * time.Hour

// Infra holds the long-lived connections of one process. Nil fields are disabled.
type Infra struct {
	Config *config.Config
	Logger *zap.Logger

	Redis     *redis.Client
	DB        *pgxpool.Pool
	Publisher *mq.Publisher
	Store     queue.Store

	closers []func()
}

// Open connects the queue store and, when enabled, Postgres and RabbitMQ.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	in := &Infra{Config: cfg, Logger: logger}

	switch cfg.Queue.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory queue store, jobs are lost on restart")
		in.Store = queue.NewMemoryStore(queue.WithMemoryLimits(
			time.Duration(cfg.Queue.DedupTTLHours)*time.Hour,
			time.Duration(cfg.Queue.LockDurationMs)*time.Millisecond,
			cfg.Queue.KeepFailed,
		))
	default:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		in.Redis = rdb
		in.closers = append(in.closers, func() { rdb.Close() })
		in.Store = queue.NewRedisStore(rdb, cfg.RedisOptions(), logger.Named("queue"))
	}

	if cfg.Failures.Postgres {
		pool, err := db.NewConnection(ctx, cfg.DB, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.DB = pool
		in.closers = append(in.closers, pool.Close)
	}

	if cfg.Failures.DLQ {
		pub, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.FailureExchange)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("failed to init failure publisher: %w", err)
		}
		in.Publisher = pub
		in.closers = append(in.closers, pub.Close)
	}

	return in, nil
}

// Recorder fans terminal failures out to the log and every enabled sink.
func (in *Infra) Recorder() queue.FailureRecorder {
	recorders := queue.MultiRecorder{queue.NewLogRecorder(in.Logger.Named("failures"))}
	if in.DB != nil {
		recorders = append(recorders, repository.NewFailedJobRepository(in.DB))
	}
	if in.Publisher != nil {
		recorders = append(recorders, mq.NewFailurePublisher(in.Publisher, in.Logger.Named("dlq")))
	}
	return recorders
}

// FailureCounter returns the Redis backed fetch failure counter, or nil in memory mode.
func (in *Infra) FailureCounter() pipeline.FailureCounter {
	if in.Redis == nil {
		return nil
	}
	return util.NewFailureStreak(in.Redis, failureCounterTTL)
}

// Close releases connections in reverse order.
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// InitTracing starts the OTLP exporter when enabled and returns its shutdown func.
func InitTracing(cfg *config.Config, service string, logger *zap.Logger) (func(), error) {
	name := cfg.Otel.ServiceName
	if name == "" {
		name = "mailtriage"
	}
	return otel.Init(otel.Config{
		ServiceName:    name + "-" + service,
		ServiceVersion: Version,
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
		SampleRatio:    cfg.Otel.SampleRatio,
	}, logger)
}

// Version is set at build time via -ldflags.
var Version = "dev"
