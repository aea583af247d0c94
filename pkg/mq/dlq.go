package mq

import (
	"context"
	"fmt"

	"mailtriage/pkg/metrics"
	"mailtriage/pkg/otel"
	"mailtriage/pkg/queue"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// FailurePublisher forwards terminal job failures to RabbitMQ. It implements
// queue.FailureRecorder.
type FailurePublisher struct {
	publisher *Publisher
	logger    *zap.Logger
}

func NewFailurePublisher(p *Publisher, logger *zap.Logger) *FailurePublisher {
	return &FailurePublisher{publisher: p, logger: logger}
}

func (f *FailurePublisher) RecordFailure(ctx context.Context, failure queue.TerminalFailure) error {
	routingKey := RoutingKey(failure.Queue)
	ctx, span := otel.DLQPublishSpan(ctx, routingKey, f.publisher.Exchange())

	headers := amqp091.Table{
		"x-job-id":         failure.JobID,
		"x-job-name":       failure.Name,
		"x-attempts":       int32(failure.Attempts),
		"x-error-type":     failure.ErrorType,
		"x-reason":         failure.Reason,
		"x-original-error": failure.LastError,
	}
	if failure.TraceID != "" {
		headers["x-trace-id"] = failure.TraceID
	}
	// 传播 trace context
	otel.GetTextMapPropagator().Inject(ctx, otel.NewMQHeaderCarrier(headers))

	err := f.publisher.Publish(ctx, routingKey, failure, headers)
	otel.EndSpan(span, err)
	if err != nil {
		f.logger.Error("Failed to publish terminal failure",
			zap.String("queue", failure.Queue),
			zap.String("job_id", failure.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish failure for job %s: %w", failure.JobID, err)
	}

	metrics.IncrementDeadLetter(failure.Queue, "mq")
	f.logger.Info("Terminal failure published",
		zap.String("queue", failure.Queue),
		zap.String("job_id", failure.JobID),
		zap.String("routing_key", routingKey),
	)
	return nil
}
