package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailtriage/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryEnqueueDedupByJobID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	h1, err := s.Enqueue(ctx, "analysis", "analyze", map[string]string{"a": "1"}, EnqueueOptions{JobID: "analysis:u1:m1"})
	require.NoError(t, err)
	assert.False(t, h1.Duplicate)

	h2, err := s.Enqueue(ctx, "analysis", "analyze", map[string]string{"a": "2"}, EnqueueOptions{JobID: "analysis:u1:m1"})
	require.NoError(t, err)
	assert.True(t, h2.Duplicate)
	assert.Equal(t, h1.ID, h2.ID)

	assert.Len(t, s.Pending("analysis"), 1)
}

func TestMemoryDedupExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now), WithMemoryLimits(time.Minute, 0, 0))

	_, err := s.Enqueue(ctx, "q", "n", 1, EnqueueOptions{JobID: "x"})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	h, err := s.Enqueue(ctx, "q", "n", 1, EnqueueOptions{JobID: "x"})
	require.NoError(t, err)
	assert.False(t, h.Duplicate)
}

func TestMemoryRepeatRegistrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	opts := EnqueueOptions{Repeat: &RepeatOptions{Key: "fetch-user:u1", Every: time.Minute}}

	h1, err := s.Enqueue(ctx, "fetch", "fetch", map[string]string{"token": "old"}, opts)
	require.NoError(t, err)
	assert.False(t, h1.Duplicate)
	assert.Equal(t, "fetch-user:u1", h1.ID)

	clock.Advance(10 * time.Second)
	h2, err := s.Enqueue(ctx, "fetch", "fetch", map[string]string{"token": "new"}, opts)
	require.NoError(t, err)
	assert.True(t, h2.Duplicate)

	regs, err := s.ListRepeating(ctx, "fetch")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.JSONEq(t, `{"token":"new"}`, string(regs[0].Data))
	// 保留首次注册时的触发时间
	assert.WithinDuration(t, clock.Now().Add(-10*time.Second), regs[0].Next, 0)
}

func TestMemoryRepeatRequiresScheduleAndKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{Repeat: &RepeatOptions{Key: "k"}})
	assert.ErrorIs(t, err, ErrMissingRepeat)

	_, err = s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{Repeat: &RepeatOptions{Every: time.Minute}})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{Repeat: &RepeatOptions{Key: "k", Every: time.Millisecond}})
	assert.Error(t, err)

	_, err = s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{Repeat: &RepeatOptions{Key: "k", Pattern: "not a cron"}})
	assert.Error(t, err)
}

func TestMemoryMaintainFiresRepeatOncePerTick(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))

	_, err := s.Enqueue(ctx, "fetch", "fetch", map[string]string{"user": "u1"}, EnqueueOptions{
		Repeat: &RepeatOptions{Key: "fetch-user:u1", Every: time.Minute},
	})
	require.NoError(t, err)

	require.NoError(t, s.Maintain(ctx, "fetch"))
	require.NoError(t, s.Maintain(ctx, "fetch"))

	pending := s.Pending("fetch")
	require.Len(t, pending, 1)
	assert.Equal(t, repeatJobID("fetch-user:u1", clock.Now()), pending[0].ID)
	assert.Equal(t, "fetch-user:u1", pending[0].RepeatKey)
	assert.Equal(t, 1, pending[0].MaxAttempts)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Maintain(ctx, "fetch"))
	assert.Len(t, s.Pending("fetch"), 1)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Maintain(ctx, "fetch"))
	assert.Len(t, s.Pending("fetch"), 2)
}

func TestMemoryCronPattern(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))

	_, err := s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{
		Repeat: &RepeatOptions{Key: "k", Pattern: "*/5 * * * *"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Maintain(ctx, "fetch"))

	regs, err := s.ListRepeating(ctx, "fetch")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.WithinDuration(t, clock.Now().Add(5*time.Minute), regs[0].Next, 0)
}

func TestMemoryCancelRepeating(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.CancelRepeating(ctx, "fetch", "fetch-user:nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Enqueue(ctx, "fetch", "fetch", 1, EnqueueOptions{Repeat: &RepeatOptions{Key: "fetch-user:u1", Every: time.Minute}})
	require.NoError(t, err)

	ok, err = s.CancelRepeating(ctx, "fetch", "fetch-user:u1")
	require.NoError(t, err)
	assert.True(t, ok)

	regs, err := s.ListRepeating(ctx, "fetch")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestMemoryRetryWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))

	b := retry.Exponential(5 * time.Second)
	_, err := s.Enqueue(ctx, "analysis", "analyze", 1, EnqueueOptions{Attempts: 3, Backoff: &b})
	require.NoError(t, err)

	job, err := s.Dequeue(ctx, "analysis")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, StateActive, job.State)

	require.NoError(t, s.Retry(ctx, job, 5*time.Second, errors.New("boom")))

	clock.Advance(4 * time.Second)
	require.NoError(t, s.Maintain(ctx, "analysis"))
	job, err = s.Dequeue(ctx, "analysis")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Second)
	require.NoError(t, s.Maintain(ctx, "analysis"))
	job, err = s.Dequeue(ctx, "analysis")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "boom", job.LastError)

	require.NoError(t, s.Complete(ctx, job))
	stats, err := s.Stats(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestMemoryFailKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithMemoryLimits(0, 0, 2))

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, "q", "n", i, EnqueueOptions{})
		require.NoError(t, err)
		job, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, job, errors.New("dead")))
	}

	failed, err := s.ListFailed(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.JSONEq(t, "2", string(failed[0].Data))
	assert.JSONEq(t, "1", string(failed[1].Data))
	assert.Equal(t, StateFailed, failed[0].State)
}

func TestMemoryRecoversStalledJobs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now), WithMemoryLimits(0, 10*time.Second, 0))

	_, err := s.Enqueue(ctx, "q", "n", 1, EnqueueOptions{})
	require.NoError(t, err)
	job, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(11 * time.Second)
	require.NoError(t, s.Maintain(ctx, "q"))

	again, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestMemoryExtendKeepsJobClaimed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now), WithMemoryLimits(0, 10*time.Second, 0))

	_, err := s.Enqueue(ctx, "q", "n", 1, EnqueueOptions{})
	require.NoError(t, err)
	job, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.NotEmpty(t, job.LockToken)

	clock.Advance(8 * time.Second)
	require.NoError(t, s.Extend(ctx, job))
	clock.Advance(8 * time.Second)
	require.NoError(t, s.Maintain(ctx, "q"))

	again, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, again)

	stale := *job
	stale.LockToken = "other"
	assert.ErrorIs(t, s.Extend(ctx, &stale), ErrLockLost)

	clock.Advance(11 * time.Second)
	require.NoError(t, s.Maintain(ctx, "q"))
	assert.ErrorIs(t, s.Extend(ctx, job), ErrLockLost)
}
