// Package registry maps a user to the repeat registrations it owns, so a logout can
// tear down exactly that user's recurring fetch.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"mailtriage/pkg/queue"

	"go.uber.org/zap"
)

// fetchNamespace prefixes every per-user fetch repeat key.
const fetchNamespace = "fetch-user:"

// RepeatKey derives the fetch repeat key for a user id. The id is query-escaped so a
// key never contains a ':' from the id itself and matching is exact.
func RepeatKey(userID string) string {
	return fetchNamespace + url.QueryEscape(userID)
}

// UserID recovers the user id from a key built by RepeatKey.
func UserID(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, fetchNamespace)
	if !ok {
		return "", false
	}
	id, err := url.QueryUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// Owned filters registrations down to the ones belonging to userID.
func Owned(regs []queue.RepeatableJob, userID string) []queue.RepeatableJob {
	want := RepeatKey(userID)
	var out []queue.RepeatableJob
	for _, r := range regs {
		if r.Key == want {
			out = append(out, r)
		}
	}
	return out
}

type Registry struct {
	store  queue.Producer
	queue  string
	logger *zap.Logger
}

func New(store queue.Producer, fetchQueue string, logger *zap.Logger) *Registry {
	return &Registry{store: store, queue: fetchQueue, logger: logger}
}

// List returns the fetch registrations owned by userID.
func (r *Registry) List(ctx context.Context, userID string) ([]queue.RepeatableJob, error) {
	regs, err := r.store.ListRepeating(ctx, r.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list repeat registrations: %w", err)
	}
	return Owned(regs, userID), nil
}

// Cancel removes every fetch registration owned by userID and returns how many were
// removed. No registrations is not an error.
func (r *Registry) Cancel(ctx context.Context, userID string) (int, error) {
	owned, err := r.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, reg := range owned {
		ok, err := r.store.CancelRepeating(ctx, r.queue, reg.Key)
		if err != nil {
			return removed, fmt.Errorf("failed to cancel repeat %s: %w", reg.Key, err)
		}
		if ok {
			removed++
		}
	}

	r.logger.Debug("Cancelled user registrations",
		zap.String("user_id", userID),
		zap.Int("removed", removed),
	)
	return removed, nil
}
