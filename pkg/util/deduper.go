package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "dedup",
		logger: nil, // 可选，如果不需要日志可以传 nil
	}
}

// NewDeduperWithLogger creates a deduper with logger support
func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, prefix string, logger *zap.Logger) *Deduper {
	if prefix == "" {
		prefix = "dedup"
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

// Key returns the redis key guarding scope + id.
func (d *Deduper) Key(scope, id string) string {
	return fmt.Sprintf("%s:%s:%s", d.prefix, scope, id)
}

// AcquireOnce tries to acquire a dedup lock for a given scope + id
// returns true if this is the FIRST time processing
// returns false if it's a duplicate
func (d *Deduper) AcquireOnce(ctx context.Context, scope, id string) bool {
	key := d.Key(scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 挂了？为了安全：当 redis 不可用时，不阻止处理，返回 true
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed, allowing processing",
				zap.String("scope", scope),
				zap.String("id", id),
				zap.Error(err),
			)
		}
		return true
	}

	// 去重命中：记录日志
	if !ok && d.logger != nil {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release drops the dedup lock so a later attempt can acquire it again.
// Used when the guarded work failed after the lock was taken.
func (d *Deduper) Release(ctx context.Context, scope, id string) error {
	return d.rdb.Del(ctx, d.Key(scope, id)).Err()
}
