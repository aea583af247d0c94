package pipeline

import (
	"context"

	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/queue"

	"go.uber.org/zap"
)

type ResponseOutcome struct {
	EmailID string `json:"emailId"`
}

// ResponseWorker drafts, sends and marks read, in that order. The three steps are
// one unit: a failure anywhere retries all of them, so a reply may be sent twice.
type ResponseWorker struct {
	inference InferenceClient
	mail      MailClient
	logger    *zap.Logger
}

func NewResponseWorker(inference InferenceClient, mail MailClient, logger *zap.Logger) *ResponseWorker {
	return &ResponseWorker{inference: inference, mail: mail, logger: logger}
}

func (w *ResponseWorker) Process(ctx context.Context, job *queue.Job) (any, error) {
	env, err := Decode(job, StageResponse)
	if err != nil {
		return nil, err
	}
	p := env.Response
	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("user_id", p.User.ID),
		zap.String("email_id", p.Email.ID),
		zap.Int("attempt", job.Attempts),
	)
	log.Debug("Processing email response job")

	body, err := w.inference.Generate(ctx, p.Email, p.Analysis)
	if err != nil {
		return nil, &CollaboratorError{Collaborator: "inference", Op: "generate", Err: err}
	}

	if err := w.mail.SendReply(ctx, p.User, p.Email, body); err != nil {
		metrics.IncrementEmailProcessed("responded", "failed")
		return nil, &CollaboratorError{Collaborator: "mail", Op: "send_reply", Err: err}
	}

	if err := w.mail.MarkRead(ctx, p.User, p.Email.ID); err != nil {
		log.Warn("Reply sent but mark-read failed, the whole unit will be retried", zap.Error(err))
		return nil, &CollaboratorError{Collaborator: "mail", Op: "mark_read", Err: err}
	}
	metrics.IncrementEmailProcessed("responded", "success")

	log.Info("Email response sent")
	return ResponseOutcome{EmailID: p.Email.ID}, nil
}
