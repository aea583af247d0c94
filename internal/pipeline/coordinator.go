package pipeline

import (
	"context"
	"net/url"

	"mailtriage/internal/model"
	"mailtriage/internal/registry"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/otel"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/trace"

	"go.uber.org/zap"
)

// Coordinator is the scheduling surface of the pipeline: the trigger and logout entry
// points, and the fan-out used by the stage workers.
type Coordinator struct {
	store    queue.Producer
	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger
}

func NewCoordinator(store queue.Producer, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry.New(store, FetchQueue, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

func downstreamJobID(stage Stage, userID, emailID string) string {
	return string(stage) + ":" + url.QueryEscape(userID) + ":" + url.QueryEscape(emailID)
}

// ScheduleFetch registers the recurring fetch for a user. Registering the same user
// again refreshes the stored credential without adding a second registration.
func (c *Coordinator) ScheduleFetch(ctx context.Context, user model.User) error {
	if user.ID == "" {
		return &SchedulingError{Op: "schedule fetch", Queue: FetchQueue, Err: ErrInvalidUser}
	}
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, c.logger).With(zap.String("user_id", user.ID))

	repeat := &queue.RepeatOptions{Key: registry.RepeatKey(user.ID)}
	if c.cfg.FetchPattern != "" {
		repeat.Pattern = c.cfg.FetchPattern
	} else {
		repeat.Every = c.cfg.fetchInterval()
	}

	env := Envelope{
		Stage:   StageFetch,
		TraceID: traceID,
		Fetch:   &FetchPayload{UserID: user.ID, User: user},
	}

	ctx, span := otel.JobEnqueueSpan(ctx, FetchQueue, fetchJobName)
	h, err := c.store.Enqueue(ctx, FetchQueue, fetchJobName, env, queue.EnqueueOptions{
		// 拉取失败不单独重试，下一次定时触发即为重试
		Attempts: 1,
		Repeat:   repeat,
		TraceID:  traceID,
	})
	otel.EndSpan(span, err)
	recordScheduling(FetchQueue, h, err)
	if err != nil {
		log.Error("Failed to schedule email fetch", zap.Error(err))
		return &SchedulingError{Op: "schedule fetch", Queue: FetchQueue, Err: err}
	}

	log.Info("Email fetch scheduled",
		zap.String("repeat_key", h.ID),
		zap.Bool("refreshed", h.Duplicate),
		zap.Duration("every", repeat.Every),
		zap.String("pattern", repeat.Pattern),
	)
	return nil
}

// CancelUser removes the user's fetch registration. Jobs already enqueued for the
// user are left to drain.
func (c *Coordinator) CancelUser(ctx context.Context, userID string) error {
	removed, err := c.registry.Cancel(ctx, userID)
	if err != nil {
		c.logger.Error("Failed to remove user jobs",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return &SchedulingError{Op: "cancel fetch", Queue: FetchQueue, Err: err}
	}

	c.logger.Info("Removed scheduled jobs for user",
		zap.String("user_id", userID),
		zap.Int("removed", removed),
	)
	return nil
}

// Registrations lists the fetch registrations owned by userID.
func (c *Coordinator) Registrations(ctx context.Context, userID string) ([]queue.RepeatableJob, error) {
	return c.registry.List(ctx, userID)
}

// ScheduleAnalysis enqueues the analysis of one fetched email. The job id is derived
// from user and email, so a re-fetch of the same email does not enqueue it again.
func (c *Coordinator) ScheduleAnalysis(ctx context.Context, email model.Email, user model.User) error {
	traceID := trace.FromContext(ctx)
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("user_id", user.ID),
		zap.String("email_id", email.ID),
	)

	env := Envelope{
		Stage:    StageAnalysis,
		TraceID:  traceID,
		Analysis: &AnalysisPayload{Email: email, User: user},
	}
	h, err := c.enqueueStage(ctx, AnalysisQueue, analysisJobName, downstreamJobID(StageAnalysis, user.ID, email.ID), env)
	if err != nil {
		log.Error("Failed to schedule email analysis", zap.Error(err))
		return &SchedulingError{Op: "schedule analysis", Queue: AnalysisQueue, Err: err}
	}
	if h.Duplicate {
		log.Debug("Analysis already scheduled", zap.String("job_id", h.ID))
		return nil
	}

	log.Info("Analysis scheduled", zap.String("job_id", h.ID))
	return nil
}

// ScheduleResponse enqueues a reply for high priority emails. Other priorities
// return (false, nil).
func (c *Coordinator) ScheduleResponse(ctx context.Context, email model.Email, analysis model.AnalysisResult, user model.User) (bool, error) {
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("user_id", user.ID),
		zap.String("email_id", email.ID),
		zap.String("priority", string(analysis.Priority)),
	)

	if !analysis.NeedsResponse() {
		log.Info("Skipping response for non-high-priority email")
		return false, nil
	}

	env := Envelope{
		Stage:    StageResponse,
		TraceID:  trace.FromContext(ctx),
		Response: &ResponsePayload{Email: email, Analysis: analysis, User: user},
	}
	h, err := c.enqueueStage(ctx, ResponseQueue, responseJobName, downstreamJobID(StageResponse, user.ID, email.ID), env)
	if err != nil {
		log.Error("Failed to schedule email response", zap.Error(err))
		return false, &SchedulingError{Op: "schedule response", Queue: ResponseQueue, Err: err}
	}

	log.Info("Response scheduled for high-priority email",
		zap.String("job_id", h.ID),
		zap.Bool("duplicate", h.Duplicate),
	)
	return true, nil
}

func (c *Coordinator) enqueueStage(ctx context.Context, q, name, jobID string, env Envelope) (queue.Handle, error) {
	backoff := c.cfg.StageRetry.Backoff
	ctx, span := otel.JobEnqueueSpan(ctx, q, name)
	h, err := c.store.Enqueue(ctx, q, name, env, queue.EnqueueOptions{
		JobID:    jobID,
		Attempts: c.cfg.StageRetry.MaxAttempts,
		Backoff:  &backoff,
		TraceID:  env.TraceID,
	})
	otel.EndSpan(span, err)
	recordScheduling(q, h, err)
	return h, err
}

func recordScheduling(q string, h queue.Handle, err error) {
	switch {
	case err != nil:
		metrics.IncrementSchedulingResult(q, "failed")
	case h.Duplicate:
		metrics.IncrementSchedulingResult(q, "duplicate")
	default:
		metrics.IncrementSchedulingResult(q, "scheduled")
	}
}
