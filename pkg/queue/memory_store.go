package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs single-process development runs
// (queue.driver: memory) and the pipeline tests, where its clock can be replaced.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	dedupTTL     time.Duration
	lockDuration time.Duration
	keepFailed   int
	queues       map[string]*memQueue
}

type memQueue struct {
	jobs    map[string]*Job
	wait    []string
	delayed map[string]time.Time
	active  map[string]memLock
	failed  []string // oldest first
	repeats map[string]*RepeatableJob
	dedup   map[string]time.Time // job id -> expiry
}

type memLock struct {
	token string
	until time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithMemoryLimits(dedupTTL, lockDuration time.Duration, keepFailed int) MemoryOption {
	return func(s *MemoryStore) {
		if dedupTTL > 0 {
			s.dedupTTL = dedupTTL
		}
		if lockDuration > 0 {
			s.lockDuration = lockDuration
		}
		if keepFailed > 0 {
			s.keepFailed = keepFailed
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:          time.Now,
		dedupTTL:     DefaultDedupTTL,
		lockDuration: DefaultLockDuration,
		keepFailed:   DefaultKeepFailed,
		queues:       make(map[string]*memQueue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) q(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{
			jobs:    make(map[string]*Job),
			delayed: make(map[string]time.Time),
			active:  make(map[string]memLock),
			repeats: make(map[string]*RepeatableJob),
			dedup:   make(map[string]time.Time),
		}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (Handle, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	q := s.q(queue)

	if opts.Repeat != nil {
		if err := validateRepeat(opts.Repeat); err != nil {
			return Handle{}, err
		}
		reg := newRepeatable(name, data, opts, now)
		existing, ok := q.repeats[reg.Key]
		if ok {
			// 重复注册：更新负载，保留下一次触发时间
			reg.Next = existing.Next
		}
		q.repeats[reg.Key] = &reg
		return Handle{ID: reg.Key, Duplicate: ok}, nil
	}

	id := opts.JobID
	if id != "" {
		if exp, ok := q.dedup[id]; ok && now.Before(exp) {
			return Handle{ID: id, Duplicate: true}, nil
		}
		q.dedup[id] = now.Add(s.dedupTTL)
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
		CreatedAt:   now,
	}
	q.jobs[id] = job
	if opts.Delay > 0 {
		job.State = StateDelayed
		q.delayed[id] = now.Add(opts.Delay)
	} else {
		q.wait = append(q.wait, id)
	}
	return Handle{ID: id}, nil
}

func (s *MemoryStore) ListRepeating(ctx context.Context, queue string) ([]RepeatableJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	out := make([]RepeatableJob, 0, len(q.repeats))
	for _, r := range q.repeats {
		out = append(out, *r)
	}
	sortRepeats(out)
	return out, nil
}

func (s *MemoryStore) CancelRepeating(ctx context.Context, queue, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	_, ok := q.repeats[key]
	delete(q.repeats, key)
	return ok, nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, queue string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	for len(q.wait) > 0 {
		id := q.wait[0]
		q.wait = q.wait[1:]
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		now := s.now()
		job.Attempts++
		job.State = StateActive
		job.ProcessedAt = now
		cp := *job
		cp.LockToken = uuid.NewString()
		q.active[id] = memLock{token: cp.LockToken, until: now.Add(s.lockDuration)}
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) Extend(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(job.Queue)
	lock, ok := q.active[job.ID]
	if !ok || lock.token != job.LockToken {
		return ErrLockLost
	}
	lock.until = s.now().Add(s.lockDuration)
	q.active[job.ID] = lock
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(job.Queue)
	if _, ok := q.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	delete(q.active, job.ID)
	delete(q.jobs, job.ID) // removeOnComplete
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, job.ID)
	if cause != nil {
		stored.LastError = cause.Error()
	}
	if delay <= 0 {
		stored.State = StatePending
		q.wait = append(q.wait, job.ID)
		return nil
	}
	stored.State = StateDelayed
	q.delayed[job.ID] = s.now().Add(delay)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, job *Job, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, job.ID)
	stored.State = StateFailed
	stored.FinishedAt = s.now()
	if cause != nil {
		stored.LastError = cause.Error()
	}
	q.failed = append(q.failed, job.ID)
	for len(q.failed) > s.keepFailed {
		delete(q.jobs, q.failed[0])
		q.failed = q.failed[1:]
	}
	return nil
}

func (s *MemoryStore) Maintain(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	q := s.q(queue)

	// delayed -> wait, earliest first
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		if job, ok := q.jobs[id]; ok {
			job.State = StatePending
			q.wait = append(q.wait, id)
		}
	}

	// repeat registrations
	keys := make([]string, 0, len(q.repeats))
	for k := range q.repeats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := q.repeats[k]
		if r.Next.After(now) {
			continue
		}
		job := jobFromRepeat(queue, *r, r.Next, now)
		if _, exists := q.jobs[job.ID]; !exists {
			q.jobs[job.ID] = job
			q.wait = append(q.wait, job.ID)
		}
		next, err := nextRun(*r, now)
		if err != nil {
			return err
		}
		r.Next = next
	}

	// stalled active jobs go back to wait
	for id, lock := range q.active {
		if now.After(lock.until) {
			delete(q.active, id)
			if job, ok := q.jobs[id]; ok {
				job.State = StatePending
				q.wait = append(q.wait, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, queue string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	var out []*Job
	for i := len(q.failed) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if job, ok := q.jobs[q.failed[i]]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	return Stats{
		Waiting: int64(len(q.wait)),
		Delayed: int64(len(q.delayed)),
		Active:  int64(len(q.active)),
		Failed:  int64(len(q.failed)),
		Repeats: int64(len(q.repeats)),
	}, nil
}

// Pending returns copies of the waiting and delayed jobs of a queue, waiting first.
func (s *MemoryStore) Pending(queue string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.q(queue)
	var out []*Job
	for _, id := range q.wait {
		if job, ok := q.jobs[id]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	delayedIDs := make([]string, 0, len(q.delayed))
	for id := range q.delayed {
		delayedIDs = append(delayedIDs, id)
	}
	sort.Slice(delayedIDs, func(i, j int) bool { return q.delayed[delayedIDs[i]].Before(q.delayed[delayedIDs[j]]) })
	for _, id := range delayedIDs {
		if job, ok := q.jobs[id]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out
}
