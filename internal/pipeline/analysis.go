package pipeline

import (
	"context"

	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/queue"

	"go.uber.org/zap"
)

type AnalysisOutcome struct {
	EmailID           string               `json:"emailId"`
	Analysis          model.AnalysisResult `json:"analysis"`
	ResponseScheduled bool                 `json:"responseScheduled"`
}

// AnalysisWorker classifies one email and gates the response stage on its priority.
type AnalysisWorker struct {
	inference InferenceClient
	coord     *Coordinator
	logger    *zap.Logger
}

func NewAnalysisWorker(inference InferenceClient, coord *Coordinator, logger *zap.Logger) *AnalysisWorker {
	return &AnalysisWorker{inference: inference, coord: coord, logger: logger}
}

func (w *AnalysisWorker) Process(ctx context.Context, job *queue.Job) (any, error) {
	env, err := Decode(job, StageAnalysis)
	if err != nil {
		return nil, err
	}
	p := env.Analysis
	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("user_id", p.User.ID),
		zap.String("email_id", p.Email.ID),
		zap.Int("attempt", job.Attempts),
	)
	log.Debug("Processing email analysis job")

	analysis, err := w.inference.Analyze(ctx, p.Email)
	if err != nil {
		metrics.IncrementEmailProcessed("analyzed", "failed")
		return nil, &CollaboratorError{Collaborator: "inference", Op: "analyze", Err: err}
	}
	metrics.IncrementEmailProcessed("analyzed", "success")

	scheduled, err := w.coord.ScheduleResponse(ctx, p.Email, analysis, p.User)
	if err != nil {
		return nil, err
	}

	log.Info("Email analysis completed",
		zap.String("category", analysis.Category),
		zap.String("priority", string(analysis.Priority)),
		zap.Bool("response_scheduled", scheduled),
	)
	return AnalysisOutcome{EmailID: p.Email.ID, Analysis: analysis, ResponseScheduled: scheduled}, nil
}
