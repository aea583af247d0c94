package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailtriage/internal/model"
	"mailtriage/internal/pipeline"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/trace"
	"mailtriage/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, s Scheduler) *Router {
	t.Helper()
	return NewRouter(NewUserHandler(s, zap.NewNop()), secret, zap.NewNop())
}

func do(t *testing.T, r *Router, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		tok, err := util.GenerateServiceToken("login-backend", secret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func newCoordinator() (*pipeline.Coordinator, *queue.MemoryStore) {
	store := queue.NewMemoryStore()
	return pipeline.NewCoordinator(store, pipeline.DefaultConfig(), zap.NewNop()), store
}

const scheduleBody = `{"id":"u1","email":"ada@example.com","accessToken":"tok"}`

func TestScheduleListCancel(t *testing.T) {
	coord, store := newCoordinator()
	r := newTestRouter(t, coord)

	w := do(t, r, http.MethodPost, "/v1/users/schedule", scheduleBody, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"userId":"u1","scheduled":true}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName()))

	// 重复登录不会新增注册
	w = do(t, r, http.MethodPost, "/v1/users/schedule", scheduleBody, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	regs, err := store.ListRepeating(context.Background(), pipeline.FetchQueue)
	require.NoError(t, err)
	assert.Len(t, regs, 1)

	w = do(t, r, http.MethodGet, "/v1/users/u1/jobs", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Jobs []registrationView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Jobs, 1)
	assert.Equal(t, "fetch-user:u1", listed.Jobs[0].Key)
	assert.Equal(t, "5m0s", listed.Jobs[0].Every)

	w = do(t, r, http.MethodDelete, "/v1/users/u1/jobs", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	regs, err = store.ListRepeating(context.Background(), pipeline.FetchQueue)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestScheduleValidatesBody(t *testing.T) {
	coord, _ := newCoordinator()
	r := newTestRouter(t, coord)

	w := do(t, r, http.MethodPost, "/v1/users/schedule", `{"email":"ada@example.com"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequiresServiceToken(t *testing.T) {
	coord, _ := newCoordinator()
	r := newTestRouter(t, coord)

	w := do(t, r, http.MethodPost, "/v1/users/schedule", scheduleBody, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingScheduler struct{}

func (failingScheduler) ScheduleFetch(ctx context.Context, user model.User) error {
	return &pipeline.SchedulingError{Op: "schedule fetch", Queue: pipeline.FetchQueue, Err: errors.New("redis down")}
}

func (failingScheduler) CancelUser(ctx context.Context, userID string) error {
	return &pipeline.SchedulingError{Op: "cancel fetch", Queue: pipeline.FetchQueue, Err: errors.New("redis down")}
}

func (failingScheduler) Registrations(ctx context.Context, userID string) ([]queue.RepeatableJob, error) {
	return nil, errors.New("redis down")
}

func TestSchedulingFailuresAreSwallowed(t *testing.T) {
	r := newTestRouter(t, failingScheduler{})

	w := do(t, r, http.MethodPost, "/v1/users/schedule", scheduleBody, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"userId":"u1","scheduled":false}`, w.Body.String())

	w = do(t, r, http.MethodDelete, "/v1/users/u1/jobs", "", true)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, r, http.MethodGet, "/v1/users/u1/jobs", "", true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTraceIDIsPropagated(t *testing.T) {
	coord, _ := newCoordinator()
	r := newTestRouter(t, coord)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(trace.HeaderName(), "abc123")
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName()))
}
