// Package queue is the job substrate the pipeline runs on: at-least-once delivery per
// named queue, delayed retries, repeating registrations keyed by a caller-chosen repeat
// key, and cancel-by-key. RedisStore is the production store; MemoryStore implements the
// same contract in-process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mailtriage/pkg/retry"
)

type State string

const (
	StatePending   State = "pending"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	DefaultDedupTTL     = 24 * time.Hour
	DefaultLockDuration = 30 * time.Second
	DefaultKeepFailed   = 1000

	// DefaultLockRenewInterval renews a running job's lock twice per lock duration.
	DefaultLockRenewInterval = DefaultLockDuration / 2
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrLockLost      = errors.New("job lock lost")
	ErrMissingRepeat = errors.New("repeat requires every or pattern")
	ErrMissingKey    = errors.New("repeat requires a key")
)

// Job is one unit of work as stored by the substrate.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     *retry.Backoff  `json:"backoff,omitempty"`
	RepeatKey   string          `json:"repeat_key,omitempty"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt time.Time       `json:"processed_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`

	// LockToken identifies the claim that returned this copy; Extend only renews a
	// lock that still carries it.
	LockToken string `json:"-"`
}

// Policy returns the retry policy the job was enqueued with.
func (j *Job) Policy() retry.Policy {
	p := retry.Policy{MaxAttempts: j.MaxAttempts}
	if j.Backoff != nil {
		p.Backoff = *j.Backoff
	}
	return p
}

// RepeatOptions makes an enqueue a repeating registration. Exactly one of Every or
// Pattern (standard 5-field cron) must be set.
type RepeatOptions struct {
	Key     string        `json:"key"`
	Every   time.Duration `json:"every,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
}

type EnqueueOptions struct {
	// JobID deduplicates one-shot jobs: a second enqueue with the same id is dropped.
	JobID    string
	Attempts int
	Backoff  *retry.Backoff
	Delay    time.Duration
	Repeat   *RepeatOptions
	TraceID  string
}

// Handle identifies what an enqueue produced. For repeat registrations ID is the repeat key.
type Handle struct {
	ID        string
	Duplicate bool
}

// RepeatableJob is a repeat registration as listed by the store.
type RepeatableJob struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	ID       string          `json:"id"`
	Every    time.Duration   `json:"every,omitempty"`
	Pattern  string          `json:"pattern,omitempty"`
	Next     time.Time       `json:"next"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
	Backoff  *retry.Backoff  `json:"backoff,omitempty"`
	TraceID  string          `json:"trace_id,omitempty"`
}

// Producer is the side of the store the coordinator talks to.
type Producer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (Handle, error)
	ListRepeating(ctx context.Context, queue string) ([]RepeatableJob, error)
	CancelRepeating(ctx context.Context, queue, key string) (bool, error)
}

// Consumer is the dequeue-execute-ack side used by workers.
type Consumer interface {
	// Dequeue claims the next ready job, or returns (nil, nil) when the queue is empty.
	Dequeue(ctx context.Context, queue string) (*Job, error)
	// Extend renews the claim lock for another lock duration. It returns ErrLockLost
	// once the job was recovered as stalled or finished elsewhere.
	Extend(ctx context.Context, job *Job) error
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	Fail(ctx context.Context, job *Job, cause error) error
}

// Store is the full substrate.
type Store interface {
	Producer
	Consumer
	// Maintain promotes due delayed jobs, fires due repeat registrations and recovers
	// stalled active jobs for one queue.
	Maintain(ctx context.Context, queue string) error
	// ListFailed returns the most recent terminally failed jobs, newest first.
	ListFailed(ctx context.Context, queue string, limit int) ([]*Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
}

// Stats are per-queue counts.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
	Repeats int64 `json:"repeats"`
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
