package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureStreak counts consecutive failures per user in Redis so every worker
// instance sees the same streak. A streak with no new failure for ttl is forgotten.
type FailureStreak struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFailureStreak(rdb *redis.Client, ttl time.Duration) *FailureStreak {
	return &FailureStreak{rdb: rdb, ttl: ttl}
}

// IncrementAndGet records one more failure and returns the streak length.
func (f *FailureStreak) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := f.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		// 每次失败都顺延过期时间
		p.Expire(ctx, key, f.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count failure for %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (f *FailureStreak) Get(ctx context.Context, key string) (int64, error) {
	n, err := f.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Reset ends the streak after a success.
func (f *FailureStreak) Reset(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, key).Err()
}

// FailureStreakKey is the Redis key of a user's streak for one stage, e.g.
// failures:fetch:<user id>.
func FailureStreakKey(stage, userID string) string {
	return "failures:" + stage + ":" + userID
}
