package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mailtriage/pkg/util"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps every queue under <prefix>:<queue>:
//
//	wait     list, LPUSH in / RPOPLPUSH out
//	active   list of claimed ids
//	delayed  zset scored by run-at (ms)
//	failed   zset scored by finish time (ms)
//	repeat   hash repeat key -> RepeatableJob
//	job:{id} job JSON
//	lock:{id} claim token, expires after lockDuration unless the worker extends it
type RedisStore struct {
	rdb          *redis.Client
	prefix       string
	dedup        *util.Deduper
	lockDuration time.Duration
	keepFailed   int
	batch        int64
	logger       *zap.Logger
}

type RedisOptions struct {
	Prefix       string
	DedupTTL     time.Duration
	LockDuration time.Duration
	KeepFailed   int
}

func NewRedisStore(rdb *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "triage"
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = DefaultKeepFailed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		rdb:          rdb,
		prefix:       opts.Prefix,
		dedup:        util.NewDeduperWithLogger(rdb, opts.DedupTTL, opts.Prefix+":dedup", logger),
		lockDuration: opts.LockDuration,
		keepFailed:   opts.KeepFailed,
		batch:        100,
		logger:       logger,
	}
}

func (s *RedisStore) key(queue string, parts ...string) string {
	k := s.prefix + ":" + queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(queue, id string) string  { return s.key(queue, "job", id) }
func (s *RedisStore) lockKey(queue, id string) string { return s.key(queue, "lock", id) }

func (s *RedisStore) Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (Handle, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if opts.Repeat != nil {
		return s.register(ctx, queue, name, data, opts)
	}

	id := opts.JobID
	if id != "" {
		if !s.dedup.AcquireOnce(ctx, queue, id) {
			return Handle{ID: id, Duplicate: true}, nil
		}
	} else {
		id = uuid.NewString()
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	job := &Job{
		ID:          id,
		Queue:       queue,
		Name:        name,
		Data:        data,
		MaxAttempts: attempts,
		Backoff:     opts.Backoff,
		State:       StatePending,
		TraceID:     opts.TraceID,
		CreatedAt:   time.Now(),
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}
	if err := s.push(ctx, job, opts.Delay); err != nil {
		if opts.JobID != "" {
			// 入队失败时释放去重锁，允许调用方重试
			_ = s.dedup.Release(ctx, queue, id)
		}
		return Handle{}, err
	}
	return Handle{ID: id}, nil
}

func (s *RedisStore) push(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.jobKey(job.Queue, job.ID), raw, 0)
		if delay > 0 {
			p.ZAdd(ctx, s.key(job.Queue, "delayed"), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: job.ID,
			})
		} else {
			p.LPush(ctx, s.key(job.Queue, "wait"), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) register(ctx context.Context, queue, name string, data []byte, opts EnqueueOptions) (Handle, error) {
	if err := validateRepeat(opts.Repeat); err != nil {
		return Handle{}, err
	}
	reg := newRepeatable(name, data, opts, time.Now())
	hkey := s.key(queue, "repeat")

	var duplicate bool
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, hkey, reg.Key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			duplicate = false
		case err != nil:
			return err
		default:
			var prev RepeatableJob
			if err := json.Unmarshal(existing, &prev); err == nil {
				reg.Next = prev.Next
			}
			duplicate = true
		}
		raw, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, hkey, reg.Key, raw)
			return nil
		})
		return err
	}, hkey)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to register repeat %s: %w", reg.Key, err)
	}
	return Handle{ID: reg.Key, Duplicate: duplicate}, nil
}

func (s *RedisStore) ListRepeating(ctx context.Context, queue string) ([]RepeatableJob, error) {
	all, err := s.rdb.HGetAll(ctx, s.key(queue, "repeat")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeats: %w", err)
	}
	out := make([]RepeatableJob, 0, len(all))
	for k, raw := range all {
		var r RepeatableJob
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("Skipping malformed repeat registration",
				zap.String("queue", queue),
				zap.String("repeat_key", k),
				zap.Error(err),
			)
			continue
		}
		out = append(out, r)
	}
	sortRepeats(out)
	return out, nil
}

func (s *RedisStore) CancelRepeating(ctx context.Context, queue, key string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.key(queue, "repeat"), key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cancel repeat %s: %w", key, err)
	}
	return n > 0, nil
}

// claimScript 把 id 移入 active 并在同一步加锁，维护任务看不到无锁的 active id
var claimScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
  return false
end
redis.call('SET', ARGV[1] .. id, ARGV[2], 'PX', ARGV[3])
return id
`)

// extendScript 只续期仍由本次 claim 持有的锁
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// recoverScript 锁已过期才把 id 从 active 移回 wait
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

func (s *RedisStore) Dequeue(ctx context.Context, queue string) (*Job, error) {
	for {
		token := uuid.NewString()
		id, err := claimScript.Run(ctx, s.rdb,
			[]string{s.key(queue, "wait"), s.key(queue, "active")},
			s.key(queue, "lock")+":", token, s.lockDuration.Milliseconds(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
		}

		job, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			// 孤儿 id，丢弃
			s.rdb.LRem(ctx, s.key(queue, "active"), 1, id)
			s.rdb.Del(ctx, s.lockKey(queue, id))
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Attempts++
		job.State = StateActive
		job.ProcessedAt = time.Now()
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := s.rdb.Set(ctx, s.jobKey(queue, id), raw, 0).Err(); err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		job.LockToken = token
		return job, nil
	}
}

func (s *RedisStore) Extend(ctx context.Context, job *Job) error {
	n, err := extendScript.Run(ctx, s.rdb,
		[]string{s.lockKey(job.Queue, job.ID)},
		job.LockToken, s.lockDuration.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock of job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, s.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.key(job.Queue, "active"), 1, job.ID)
		p.Del(ctx, s.jobKey(job.Queue, job.ID), s.lockKey(job.Queue, job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	stored, err := s.load(ctx, job.Queue, job.ID)
	if err != nil {
		return err
	}
	if cause != nil {
		stored.LastError = cause.Error()
	}
	stored.State = StateDelayed
	if delay <= 0 {
		stored.State = StatePending
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.key(job.Queue, "active"), 1, job.ID)
		p.Del(ctx, s.lockKey(job.Queue, job.ID))
		p.Set(ctx, s.jobKey(job.Queue, job.ID), raw, 0)
		if delay <= 0 {
			p.LPush(ctx, s.key(job.Queue, "wait"), job.ID)
		} else {
			p.ZAdd(ctx, s.key(job.Queue, "delayed"), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: job.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, job *Job, cause error) error {
	stored, err := s.load(ctx, job.Queue, job.ID)
	if err != nil {
		return err
	}
	stored.State = StateFailed
	stored.FinishedAt = time.Now()
	if cause != nil {
		stored.LastError = cause.Error()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	failedKey := s.key(job.Queue, "failed")
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.key(job.Queue, "active"), 1, job.ID)
		p.Del(ctx, s.lockKey(job.Queue, job.ID))
		p.Set(ctx, s.jobKey(job.Queue, job.ID), raw, 0)
		p.ZAdd(ctx, failedKey, redis.Z{Score: float64(stored.FinishedAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	return s.trimFailed(ctx, job.Queue)
}

// trimFailed keeps only the newest keepFailed failed jobs.
func (s *RedisStore) trimFailed(ctx context.Context, queue string) error {
	failedKey := s.key(queue, "failed")
	n, err := s.rdb.ZCard(ctx, failedKey).Result()
	if err != nil {
		return fmt.Errorf("failed to count failed jobs: %w", err)
	}
	excess := n - int64(s.keepFailed)
	if excess <= 0 {
		return nil
	}
	ids, err := s.rdb.ZRange(ctx, failedKey, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("failed to read old failed jobs: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.ZRem(ctx, failedKey, id)
			p.Del(ctx, s.jobKey(queue, id))
		}
		return nil
	})
	return err
}

func (s *RedisStore) Maintain(ctx context.Context, queue string) error {
	if err := s.promoteDelayed(ctx, queue); err != nil {
		return err
	}
	if err := s.fireRepeats(ctx, queue); err != nil {
		return err
	}
	return s.recoverStalled(ctx, queue)
}

func (s *RedisStore) promoteDelayed(ctx context.Context, queue string) error {
	delayedKey := s.key(queue, "delayed")
	ids, err := s.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}
	for _, id := range ids {
		// 多实例并发时只有 ZREM 成功的一方负责搬运
		removed, err := s.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := s.rdb.LPush(ctx, s.key(queue, "wait"), id).Err(); err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) fireRepeats(ctx context.Context, queue string) error {
	regs, err := s.ListRepeating(ctx, queue)
	if err != nil {
		return err
	}
	now := time.Now()
	hkey := s.key(queue, "repeat")

	for _, r := range regs {
		if r.Next.After(now) {
			continue
		}
		job := jobFromRepeat(queue, r, r.Next, now)
		if s.dedup.AcquireOnce(ctx, "repeat-fire", job.ID) {
			if err := s.push(ctx, job, 0); err != nil {
				_ = s.dedup.Release(ctx, "repeat-fire", job.ID)
				return err
			}
		}

		next, err := nextRun(r, now)
		if err != nil {
			return fmt.Errorf("failed to compute next run for %s: %w", r.Key, err)
		}
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, hkey, r.Key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil // cancelled meanwhile
			}
			if err != nil {
				return err
			}
			var cur RepeatableJob
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if cur.Next.After(r.Next) {
				return nil // another instance advanced it
			}
			cur.Next = next
			updated, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, hkey, r.Key, updated)
				return nil
			})
			return err
		}, hkey)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to advance repeat %s: %w", r.Key, err)
		}
	}
	return nil
}

func (s *RedisStore) recoverStalled(ctx context.Context, queue string) error {
	activeKey := s.key(queue, "active")
	ids, err := s.rdb.LRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to scan active jobs: %w", err)
	}
	for _, id := range ids {
		job, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			s.rdb.LRem(ctx, activeKey, 1, id)
			continue
		}
		if err != nil {
			return err
		}
		moved, err := recoverScript.Run(ctx, s.rdb,
			[]string{activeKey, s.lockKey(queue, id), s.key(queue, "wait")},
			id,
		).Int64()
		if err != nil {
			return fmt.Errorf("failed to recover job %s: %w", id, err)
		}
		if moved == 0 {
			continue
		}
		s.logger.Warn("Recovered stalled job",
			zap.String("queue", queue),
			zap.String("job_id", id),
			zap.Int("attempts", job.Attempts),
		)
	}
	return nil
}

func (s *RedisStore) ListFailed(ctx context.Context, queue string, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, s.key(queue, "failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context, queue string) (Stats, error) {
	p := s.rdb.Pipeline()
	waiting := p.LLen(ctx, s.key(queue, "wait"))
	delayed := p.ZCard(ctx, s.key(queue, "delayed"))
	active := p.LLen(ctx, s.key(queue, "active"))
	failed := p.ZCard(ctx, s.key(queue, "failed"))
	repeats := p.HLen(ctx, s.key(queue, "repeat"))
	if _, err := p.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
		Repeats: repeats.Val(),
	}, nil
}
