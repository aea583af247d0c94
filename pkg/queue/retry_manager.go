package queue

import (
	"context"
	"fmt"
	"time"

	"mailtriage/pkg/metrics"
	"mailtriage/pkg/util"

	"go.uber.org/zap"
)

// RetryManager applies a job's retry policy to a failed attempt: reschedule with
// backoff, or fail permanently and hand the job to the failure recorder.
type RetryManager struct {
	store    Consumer
	recorder FailureRecorder
	logger   *zap.Logger
}

func NewRetryManager(store Consumer, recorder FailureRecorder, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleFailure is called after attempt job.Attempts failed with cause.
func (m *RetryManager) HandleFailure(ctx context.Context, job *Job, cause error) error {
	retryable, errType := util.IsRetryableError(cause)
	decision := job.Policy().Decide(job.Attempts, retryable)

	if decision.Retry {
		m.logger.Warn("Job attempt failed, scheduling retry",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", decision.Delay),
			zap.String("error_type", errType),
			zap.Error(cause),
		)
		metrics.IncrementJobResult(job.Queue, "retried")
		if err := m.store.Retry(ctx, job, decision.Delay, cause); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		return nil
	}

	metrics.IncrementJobResult(job.Queue, "failed")
	if err := m.store.Fail(ctx, job, cause); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	if m.recorder == nil {
		return nil
	}
	f := TerminalFailure{
		JobID:     job.ID,
		Queue:     job.Queue,
		Name:      job.Name,
		Attempts:  job.Attempts,
		ErrorType: errType,
		Reason:    decision.Reason,
		Data:      job.Data,
		TraceID:   job.TraceID,
		FailedAt:  time.Now(),
	}
	if cause != nil {
		f.LastError = cause.Error()
	}
	if err := m.recorder.RecordFailure(ctx, f); err != nil {
		// 记录失败不影响 job 状态
		m.logger.Error("Failed to record terminal failure",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	return nil
}
