// Package mail adapts the Gmail REST API to the pipeline's mailbox operations.
package mail

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesList   = 5
	quotaUnitsMessagesGet    = 5
	quotaUnitsMessagesModify = 5
	quotaUnitsMessagesSend   = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	unreadQuery = "is:unread"
	labelUnread = "UNREAD"
	me          = "me"
)

var (
	ErrMessageNotFound     = errors.New("gmail message not found")
	ErrUnsupportedProvider = errors.New("unsupported mail provider")
)

type Config struct {
	// Endpoint overrides the Gmail API base URL (tests, proxies).
	Endpoint string
	// Timeout bounds every HTTP request made on behalf of a user.
	Timeout time.Duration
	// Transport is the base transport under the OAuth2 transport.
	Transport http.RoundTripper
	Breaker   circuitbreaker.Config
}

func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("gmail"),
	}
}

// GmailClient implements pipeline.MailClient. A gmail.Service is built per call from
// the user's access token; credentials are never refreshed here.
type GmailClient struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGmailClient(cfg Config, logger *zap.Logger) *GmailClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "gmail"
	}
	if cfg.Breaker.IsIgnored == nil {
		// 熔断器被所有用户共享，单个用户的凭证或消息错误不能把它打开
		cfg.Breaker.IsIgnored = isPerUserError
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &GmailClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
}

func (c *GmailClient) service(ctx context.Context, user model.User) (*gmail.Service, error) {
	if user.Provider != "" && user.Provider != model.ProviderGoogle {
		return nil, errors.Wrapf(ErrUnsupportedProvider, "provider %q", user.Provider)
	}
	if user.AccessToken == "" {
		return nil, errors.New("user has no access token")
	}

	tok := &oauth2.Token{AccessToken: user.AccessToken, RefreshToken: user.RefreshToken, TokenType: "Bearer"}
	if user.TokenExpiry != nil {
		tok.Expiry = *user.TokenExpiry
	}
	base := c.cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: base},
		Timeout:   c.cfg.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	return svc, nil
}

// call runs fn behind the rate limiter and circuit breaker and records its latency.
func (c *GmailClient) call(ctx context.Context, op string, units int, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		return fn(ctx)
	})
	metrics.RecordMailCallLatency(op, metrics.StatusLabel(err), time.Since(start))
	return err
}

// ListUnread returns up to maxResults unread message refs.
func (c *GmailClient) ListUnread(ctx context.Context, user model.User, maxResults int64) ([]model.MessageRef, error) {
	svc, err := c.service(ctx, user)
	if err != nil {
		return nil, err
	}

	var refs []model.MessageRef
	err = c.call(ctx, "list_unread", quotaUnitsMessagesList, func(ctx context.Context) error {
		resp, err := svc.Users.Messages.List(me).Q(unreadQuery).MaxResults(maxResults).Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, m := range resp.Messages {
			refs = append(refs, model.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list unread messages")
	}

	c.logger.Debug("Listed unread messages",
		zap.String("user_id", user.ID),
		zap.Int("count", len(refs)),
	)
	return refs, nil
}

// FetchDetail fetches one message in full format and parses it into an Email.
func (c *GmailClient) FetchDetail(ctx context.Context, user model.User, ref model.MessageRef) (model.Email, error) {
	svc, err := c.service(ctx, user)
	if err != nil {
		return model.Email{}, err
	}

	var msg *gmail.Message
	err = c.call(ctx, "fetch_detail", quotaUnitsMessagesGet, func(ctx context.Context) error {
		m, err := svc.Users.Messages.Get(me, ref.ID).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			err = ErrMessageNotFound
		}
		return model.Email{}, errors.Wrapf(err, "getting message %v from gmail", ref.ID)
	}

	email, err := parseMessage(msg)
	if err != nil {
		return model.Email{}, errors.Wrapf(err, "parsing message %v", ref.ID)
	}
	return email, nil
}

// SendReply sends body as a reply in the original thread.
func (c *GmailClient) SendReply(ctx context.Context, user model.User, original model.Email, body string) error {
	svc, err := c.service(ctx, user)
	if err != nil {
		return err
	}

	raw := buildReply(original, user, body)
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: original.ThreadID,
	}
	err = c.call(ctx, "send_reply", quotaUnitsMessagesSend, func(ctx context.Context) error {
		_, err := svc.Users.Messages.Send(me, msg).Context(ctx).Do()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "sending reply to message %v", original.ID)
	}

	c.logger.Info("Reply sent",
		zap.String("user_id", user.ID),
		zap.String("email_id", original.ID),
		zap.String("thread_id", original.ThreadID),
	)
	return nil
}

// MarkRead removes the UNREAD label.
func (c *GmailClient) MarkRead(ctx context.Context, user model.User, messageID string) error {
	svc, err := c.service(ctx, user)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{labelUnread}}
	err = c.call(ctx, "mark_read", quotaUnitsMessagesModify, func(ctx context.Context) error {
		_, err := svc.Users.Messages.Modify(me, messageID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "marking message %v as read", messageID)
	}
	return nil
}

// isPerUserError reports Gmail errors caused by one user's credentials or messages
// rather than by the service: 401, 404 and 403s other than project quota.
func isPerUserError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusNotFound:
		return true
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "dailyLimitExceeded", "quotaExceeded":
				return false
			}
		}
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "notFound" {
			return true
		}
	}
	return len(gerr.Errors) == 0
}

// decodeData decodes Gmail's base64url part data, padded or not.
func decodeData(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
