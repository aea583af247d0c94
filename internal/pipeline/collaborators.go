package pipeline

import (
	"context"

	"mailtriage/internal/model"
)

// MailClient is the mailbox collaborator. Calls are bounded by the client's own
// request timeout.
type MailClient interface {
	ListUnread(ctx context.Context, user model.User, maxResults int64) ([]model.MessageRef, error)
	FetchDetail(ctx context.Context, user model.User, ref model.MessageRef) (model.Email, error)
	SendReply(ctx context.Context, user model.User, original model.Email, body string) error
	MarkRead(ctx context.Context, user model.User, messageID string) error
}

// InferenceClient is the language model collaborator.
type InferenceClient interface {
	Analyze(ctx context.Context, email model.Email) (model.AnalysisResult, error)
	Generate(ctx context.Context, email model.Email, analysis model.AnalysisResult) (string, error)
}

// FailureCounter tracks consecutive failures per key (see util.FailureStreak).
type FailureCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}
