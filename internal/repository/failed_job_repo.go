package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailtriage/pkg/metrics"
	"mailtriage/pkg/otel"
	"mailtriage/pkg/queue"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const failedJobsTable = "failed_jobs"

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type FailedJob struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Name      string          `json:"name"`
	Attempts  int             `json:"attempts"`
	Reason    string          `json:"reason"`
	ErrorType string          `json:"error_type"`
	LastError string          `json:"last_error"`
	Payload   json.RawMessage `json:"payload"`
	TraceID   string          `json:"trace_id,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// FailedJobRepository 终态失败任务的持久化，同时实现 queue.FailureRecorder
type FailedJobRepository struct {
	db DBTX
}

func NewFailedJobRepository(db DBTX) *FailedJobRepository {
	return &FailedJobRepository{db: db}
}

// RecordFailure 插入一条终态失败记录，同一 job 同一时刻只记录一次
func (r *FailedJobRepository) RecordFailure(ctx context.Context, f queue.TerminalFailure) error {
	payload := []byte(f.Data)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO failed_jobs (job_id, queue, name, attempts, reason, error_type, last_error, payload, trace_id, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, failed_at) DO NOTHING
	`
	err := otel.DBCall(ctx, "insert", failedJobsTable, query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			f.JobID, f.Queue, f.Name, f.Attempts, f.Reason, f.ErrorType, f.LastError, payload, f.TraceID, f.FailedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert failed job %s: %w", f.JobID, err)
	}
	metrics.IncrementDeadLetter(f.Queue, "postgres")
	return nil
}

// List 按失败时间倒序返回，queue 为空表示全部队列
func (r *FailedJobRepository) List(ctx context.Context, queueName string, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, job_id, queue, name, attempts, reason, error_type, last_error, payload, trace_id, failed_at
		FROM failed_jobs
		WHERE ($1 = '' OR queue = $1)
		ORDER BY failed_at DESC
		LIMIT $2
	`
	var jobs []FailedJob
	err := otel.DBCall(ctx, "select", failedJobsTable, query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, queueName, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var j FailedJob
			if err := rows.Scan(&j.ID, &j.JobID, &j.Queue, &j.Name, &j.Attempts, &j.Reason, &j.ErrorType,
				&j.LastError, &j.Payload, &j.TraceID, &j.FailedAt); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	return jobs, nil
}

// Prune 每个队列只保留最近 keep 条
func (r *FailedJobRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM failed_jobs
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY queue ORDER BY failed_at DESC, id DESC) AS rn
				FROM failed_jobs
			) ranked
			WHERE rn > $1
		)
	`
	var deleted int64
	err := otel.DBCall(ctx, "delete", failedJobsTable, query, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, keep)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed jobs: %w", err)
	}
	return deleted, nil
}
