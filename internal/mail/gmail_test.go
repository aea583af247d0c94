package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

type fakeGmail struct {
	mu       sync.Mutex
	messages map[string]*gmail.Message
	auth     []string
	sent     []*gmail.Message
	modified map[string][]string
	query    string
	max      string
}

func newFakeGmail(t *testing.T) (*fakeGmail, *httptest.Server) {
	f := &fakeGmail{messages: make(map[string]*gmail.Message), modified: make(map[string][]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials","errors":[{"reason":"authError","message":"Invalid Credentials"}]}}`))
			return
		}
		f.query = r.URL.Query().Get("q")
		f.max = r.URL.Query().Get("maxResults")
		resp := &gmail.ListMessagesResponse{}
		for _, m := range f.messages {
			resp.Messages = append(resp.Messages, &gmail.Message{Id: m.Id, ThreadId: m.ThreadId})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found","errors":[{"reason":"notFound","message":"Not Found"}]}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var m gmail.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		f.mu.Lock()
		f.sent = append(f.sent, &m)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&gmail.Message{Id: "sent-1", ThreadId: m.ThreadId})
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.ModifyMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.modified[r.PathValue("id")] = req.RemoveLabelIds
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&gmail.Message{Id: r.PathValue("id")})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestClient(srv *httptest.Server) *GmailClient {
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/"
	cfg.Timeout = 5 * time.Second
	return NewGmailClient(cfg, zap.NewNop())
}

var testUser = model.User{ID: "u1", Email: "ada@example.com", Provider: model.ProviderGoogle, AccessToken: "tok-1"}

func TestListUnread(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m1"] = &gmail.Message{Id: "m1", ThreadId: "t1"}
	c := newTestClient(srv)

	refs, err := c.ListUnread(context.Background(), testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.MessageRef{{ID: "m1", ThreadID: "t1"}}, refs)
	assert.Equal(t, "is:unread", f.query)
	assert.Equal(t, "10", f.max)
	assert.Equal(t, []string{"Bearer tok-1"}, f.auth)
}

func TestFetchDetailParsesMessage(t *testing.T) {
	f, srv := newFakeGmail(t)
	date := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f.messages["m1"] = &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: date.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Bob <bob@example.com>"},
				{Name: "TO", Value: "ada@example.com, eve@example.com "},
				{Name: "Cc", Value: "carol@example.com"},
				{Name: "Subject", Value: "Invoice"},
				{Name: "Message-ID", Value: "<abc@example.com>"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>hi</p>")}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("hi")}},
				{MimeType: "multipart/mixed", Parts: []*gmail.MessagePart{
					{MimeType: "application/pdf", Filename: "inv.pdf", Body: &gmail.MessagePartBody{AttachmentId: "a1", Size: 2048}},
					{MimeType: "image/png", Filename: " ", Body: &gmail.MessagePartBody{AttachmentId: "a2", Size: 1}},
				}},
			},
		},
	}
	c := newTestClient(srv)

	got, err := c.FetchDetail(context.Background(), testUser, model.MessageRef{ID: "m1"})
	require.NoError(t, err)

	want := model.Email{
		ID:          "m1",
		ThreadID:    "t1",
		MessageID:   "<abc@example.com>",
		From:        "Bob <bob@example.com>",
		To:          []string{"ada@example.com", "eve@example.com"},
		Cc:          []string{"carol@example.com"},
		Subject:     "Invoice",
		Body:        "hi",
		Date:        date,
		IsRead:      false,
		Labels:      []string{"INBOX", "UNREAD"},
		Attachments: []model.Attachment{{ID: "a1", Filename: "inv.pdf", ContentType: "application/pdf", Size: 2048}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("email mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchDetailFallsBackToHTML(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m2"] = &gmail.Message{
		Id:       "m2",
		LabelIds: []string{"INBOX"},
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{{Name: "To", Value: "ada@example.com"}},
			Parts:   []*gmail.MessagePart{{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<b>x</b>")}}},
		},
	}
	c := newTestClient(srv)

	got, err := c.FetchDetail(context.Background(), testUser, model.MessageRef{ID: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "<b>x</b>", got.Body)
	assert.True(t, got.IsRead)
}

func TestFetchDetailNotFound(t *testing.T) {
	_, srv := newFakeGmail(t)
	c := newTestClient(srv)

	_, err := c.FetchDetail(context.Background(), testUser, model.MessageRef{ID: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMessageNotFound))
}

func TestSendReplyAndMarkRead(t *testing.T) {
	f, srv := newFakeGmail(t)
	c := newTestClient(srv)
	original := model.Email{
		ID:       "m1",
		ThreadID: "t1",
		From:     "bob@example.com",
		To:       []string{"ada@example.com"},
		Subject:  "Invoice",
		Body:     "line one\nline two",
		Date:     time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	require.NoError(t, c.SendReply(context.Background(), testUser, original, "Paid."))
	require.Len(t, f.sent, 1)
	assert.Equal(t, "t1", f.sent[0].ThreadId)

	raw, err := base64.URLEncoding.DecodeString(f.sent[0].Raw)
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "From: ada@example.com\r\n")
	assert.Contains(t, msg, "To: bob@example.com\r\n")
	assert.Contains(t, msg, "Subject: Re: Invoice\r\n")
	assert.Contains(t, msg, "In-Reply-To: <m1@mail.gmail.com>\r\n")
	assert.Contains(t, msg, "On 2026-03-04T05:06:07Z, bob@example.com wrote:")
	assert.True(t, strings.HasSuffix(msg, "> line one\r\n> line two"))

	require.NoError(t, c.MarkRead(context.Background(), testUser, "m1"))
	assert.Equal(t, []string{"UNREAD"}, f.modified["m1"])
}

func TestReplySubjectNotDoublePrefixed(t *testing.T) {
	raw := string(buildReply(model.Email{ID: "m1", Subject: "RE: hello", MessageID: "<x@y>"}, testUser, "ok"))
	assert.Contains(t, raw, "Subject: RE: hello\r\n")
	assert.Contains(t, raw, "References: <x@y>\r\n")
	assert.Contains(t, raw, "From: ada@example.com\r\n")
}

func TestRejectsUnsupportedProvider(t *testing.T) {
	_, srv := newFakeGmail(t)
	c := newTestClient(srv)
	u := testUser
	u.Provider = model.ProviderOutlook

	_, err := c.ListUnread(context.Background(), u, 10)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestRevokedTokenDoesNotOpenSharedBreaker(t *testing.T) {
	_, srv := newFakeGmail(t)
	c := newTestClient(srv)
	revoked := testUser
	revoked.ID = "u2"
	revoked.AccessToken = "revoked"

	for i := 0; i < 10; i++ {
		_, err := c.ListUnread(context.Background(), revoked, 10)
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State())

	_, err := c.ListUnread(context.Background(), testUser, 10)
	assert.NoError(t, err)
}

func TestIsPerUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, true},
		{"message gone", &googleapi.Error{Code: http.StatusNotFound}, true},
		{"insufficient scope", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, true},
		{"project quota", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}, false},
		{"server error", &googleapi.Error{Code: http.StatusServiceUnavailable}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPerUserError(tt.err))
		})
	}
}
