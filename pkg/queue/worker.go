package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/otel"
	"mailtriage/pkg/trace"

	"go.uber.org/zap"
)

// Processor executes one job. The returned value is logged on success.
type Processor func(ctx context.Context, job *Job) (any, error)

type WorkerConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds a single attempt; zero means no bound.
	JobTimeout time.Duration
	// LockRenewInterval is how often the claim lock is extended while the processor
	// runs. It must stay below the store's lock duration; zero disables renewal.
	LockRenewInterval time.Duration
}

// Worker polls one queue and runs its processor with bounded concurrency.
// Stop lets in-flight jobs finish before returning.
type Worker struct {
	cfg       WorkerConfig
	store     Consumer
	processor Processor
	retries   *RetryManager
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWorker(cfg WorkerConfig, store Consumer, processor Processor, retries *RetryManager, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		processor: processor,
		retries:   retries,
		logger:    logger.With(zap.String("queue", cfg.Queue)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.logger.Info("Worker starting",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop stops polling and waits for jobs in flight.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("Worker iteration failed", zap.Error(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and runs one job. It reports false when the queue was empty.
// A failing processor is not an error here: the attempt is handed to the retry manager.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.Dequeue(ctx, w.cfg.Queue)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// 已取出的 job 必须执行完，不跟随 worker 的取消
	jobCtx := context.WithoutCancel(ctx)
	traceID := job.TraceID
	if traceID == "" {
		traceID = trace.GenerateTraceID()
	}
	jobCtx = trace.WithContext(jobCtx, traceID)
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.cfg.JobTimeout)
		defer cancel()
	}
	jobCtx, span := otel.JobProcessSpan(jobCtx, w.cfg.Queue, job.ID, job.Attempts)

	log := logger.WithTrace(jobCtx, w.logger).With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)

	start := time.Now()
	stopRenew := w.keepLock(jobCtx, job, log)
	result, runErr := w.execute(jobCtx, job)
	stopRenew()
	metrics.RecordJobDuration(w.cfg.Queue, metrics.StatusLabel(runErr), time.Since(start))
	otel.EndSpan(span, runErr)

	if runErr == nil {
		if err := w.store.Complete(jobCtx, job); err != nil {
			return true, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
		}
		metrics.IncrementJobResult(w.cfg.Queue, "completed")
		log.Info("Job completed",
			zap.Duration("duration", time.Since(start)),
			zap.Any("result", result),
		)
		return true, nil
	}

	if err := w.retries.HandleFailure(jobCtx, job, runErr); err != nil {
		return true, err
	}
	return true, nil
}

// keepLock extends the job's claim lock every LockRenewInterval until the returned
// func is called.
func (w *Worker) keepLock(ctx context.Context, job *Job, log *zap.Logger) func() {
	if w.cfg.LockRenewInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.LockRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := w.store.Extend(ctx, job)
			if errors.Is(err, ErrLockLost) {
				// 锁已被回收，job 可能已交给其他 worker
				log.Warn("Job lock lost while processing")
				metrics.IncrementJobResult(w.cfg.Queue, "lock_lost")
				return
			}
			if err != nil {
				log.Warn("Failed to extend job lock", zap.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) execute(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Processor panic recovered",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor(ctx, job)
}
