package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TerminalFailure describes a job that will not run again.
type TerminalFailure struct {
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Name      string          `json:"name"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	ErrorType string          `json:"error_type"`
	Reason    string          `json:"reason"` // exhausted | non_retryable
	Data      json.RawMessage `json:"data"`
	TraceID   string          `json:"trace_id,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// FailureRecorder persists or forwards terminal failures (database, DLQ, log).
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f TerminalFailure) error
}

// MultiRecorder fans a failure out to every recorder and joins their errors.
type MultiRecorder []FailureRecorder

func (m MultiRecorder) RecordFailure(ctx context.Context, f TerminalFailure) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordFailure(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogRecorder writes terminal failures to the log.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) RecordFailure(ctx context.Context, f TerminalFailure) error {
	r.logger.Error("Job failed permanently",
		zap.String("queue", f.Queue),
		zap.String("job_id", f.JobID),
		zap.String("job_name", f.Name),
		zap.Int("attempts", f.Attempts),
		zap.String("reason", f.Reason),
		zap.String("error_type", f.ErrorType),
		zap.String("error", f.LastError),
		zap.String("trace_id", f.TraceID),
	)
	return nil
}
