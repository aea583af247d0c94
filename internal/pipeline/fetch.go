package pipeline

import (
	"context"
	"errors"

	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/util"

	"go.uber.org/zap"
)

type FetchResult struct {
	UserID    string `json:"userId"`
	Listed    int    `json:"listed"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

// FetchWorker lists a user's unread mail and schedules one analysis per email.
type FetchWorker struct {
	mail     MailClient
	coord    *Coordinator
	failures FailureCounter
	cfg      Config
	logger   *zap.Logger
}

// NewFetchWorker builds the fetch stage. failures may be nil.
func NewFetchWorker(mail MailClient, coord *Coordinator, failures FailureCounter, cfg Config, logger *zap.Logger) *FetchWorker {
	return &FetchWorker{
		mail:     mail,
		coord:    coord,
		failures: failures,
		cfg:      cfg,
		logger:   logger,
	}
}

func (w *FetchWorker) Process(ctx context.Context, job *queue.Job) (any, error) {
	env, err := Decode(job, StageFetch)
	if err != nil {
		return nil, err
	}
	user := env.Fetch.User
	log := logger.WithTrace(ctx, w.logger).With(zap.String("user_id", user.ID))
	log.Debug("Processing email fetch job", zap.String("job_id", job.ID))

	refs, err := w.mail.ListUnread(ctx, user, w.cfg.MaxResults)
	if err != nil {
		w.noteFailure(ctx, log, user.ID)
		return nil, &CollaboratorError{Collaborator: "mail", Op: "list_unread", Err: err}
	}

	result := FetchResult{UserID: user.ID, Listed: len(refs)}
	var schedErrs []error
	for _, ref := range refs {
		email, err := w.mail.FetchDetail(ctx, user, ref)
		if err != nil {
			// 单封邮件获取失败不影响其他邮件
			log.Warn("Skipping email, failed to fetch details",
				zap.String("email_id", ref.ID),
				zap.Error(err),
			)
			result.Skipped++
			metrics.IncrementEmailProcessed("fetched", "skipped")
			continue
		}

		if err := w.coord.ScheduleAnalysis(ctx, email, user); err != nil {
			schedErrs = append(schedErrs, err)
			continue
		}
		result.Processed++
		metrics.IncrementEmailProcessed("fetched", "success")
	}

	if len(schedErrs) > 0 {
		w.noteFailure(ctx, log, user.ID)
		return result, errors.Join(schedErrs...)
	}
	w.resetFailures(ctx, log, user.ID)

	log.Info("Email fetch completed",
		zap.Int("listed", result.Listed),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (w *FetchWorker) noteFailure(ctx context.Context, log *zap.Logger, userID string) {
	if w.failures == nil {
		return
	}
	n, err := w.failures.IncrementAndGet(ctx, util.FailureStreakKey("fetch", userID))
	if err != nil {
		log.Debug("Failed to count fetch failure", zap.Error(err))
		return
	}
	if w.cfg.FetchFailureWarnThreshold > 0 && n >= w.cfg.FetchFailureWarnThreshold {
		log.Warn("Email fetch keeps failing for user",
			zap.Int64("consecutive_failures", n),
		)
	}
}

func (w *FetchWorker) resetFailures(ctx context.Context, log *zap.Logger, userID string) {
	if w.failures == nil {
		return
	}
	if err := w.failures.Reset(ctx, util.FailureStreakKey("fetch", userID)); err != nil {
		log.Debug("Failed to reset fetch failure count", zap.Error(err))
	}
}
