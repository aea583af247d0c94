package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailtriage/internal/model"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/retry"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentReply struct {
	UserID  string
	EmailID string
	Body    string
}

type fakeMail struct {
	mu          sync.Mutex
	unread      map[string][]model.Email // user id -> unread mail
	listErr     error
	detailErr   map[string]error // email id -> error
	markReadErr int              // number of MarkRead calls that fail
	listCalls   int
	sent        []sentReply
	marked      []string
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		unread:    make(map[string][]model.Email),
		detailErr: make(map[string]error),
	}
}

func (m *fakeMail) ListUnread(ctx context.Context, user model.User, maxResults int64) ([]model.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var refs []model.MessageRef
	for _, e := range m.unread[user.ID] {
		if int64(len(refs)) >= maxResults {
			break
		}
		refs = append(refs, e.Ref())
	}
	return refs, nil
}

func (m *fakeMail) FetchDetail(ctx context.Context, user model.User, ref model.MessageRef) (model.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.detailErr[ref.ID]; err != nil {
		return model.Email{}, err
	}
	for _, e := range m.unread[user.ID] {
		if e.ID == ref.ID {
			return e, nil
		}
	}
	return model.Email{}, fmt.Errorf("message %s not found", ref.ID)
}

func (m *fakeMail) SendReply(ctx context.Context, user model.User, original model.Email, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentReply{UserID: user.ID, EmailID: original.ID, Body: body})
	return nil
}

func (m *fakeMail) MarkRead(ctx context.Context, user model.User, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markReadErr > 0 {
		m.markReadErr--
		return errors.New("gmail 503")
	}
	m.marked = append(m.marked, messageID)
	kept := m.unread[user.ID][:0]
	for _, e := range m.unread[user.ID] {
		if e.ID != messageID {
			kept = append(kept, e)
		}
	}
	m.unread[user.ID] = kept
	return nil
}

func (m *fakeMail) Sent() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReply(nil), m.sent...)
}

func (m *fakeMail) Marked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.marked...)
}

type fakeInference struct {
	mu        sync.Mutex
	clock     *fakeClock
	priority  map[string]model.Priority // email id -> priority
	failFirst map[string]int             // email id -> failures before success
	analyzed  map[string][]time.Time
	generated int
}

func newFakeInference(clock *fakeClock) *fakeInference {
	return &fakeInference{
		clock:     clock,
		priority:  make(map[string]model.Priority),
		failFirst: make(map[string]int),
		analyzed:  make(map[string][]time.Time),
	}
}

func (f *fakeInference) Analyze(ctx context.Context, email model.Email) (model.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if f.clock != nil {
		now = f.clock.Now()
	}
	f.analyzed[email.ID] = append(f.analyzed[email.ID], now)
	if f.failFirst[email.ID] > 0 {
		f.failFirst[email.ID]--
		return model.AnalysisResult{}, errors.New("model overloaded")
	}
	p, ok := f.priority[email.ID]
	if !ok {
		p = model.PriorityMedium
	}
	return model.AnalysisResult{
		Category:  "work",
		Sentiment: model.SentimentNeutral,
		Priority:  p,
		Summary:   "summary of " + email.ID,
		Keywords:  []string{"k"},
	}, nil
}

func (f *fakeInference) Generate(ctx context.Context, email model.Email, analysis model.AnalysisResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated++
	return "Thanks, on it.", nil
}

func (f *fakeInference) AnalyzeCalls(emailID string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.analyzed[emailID]...)
}

// flakyStore fails selected enqueues before delegating to a MemoryStore.
type flakyStore struct {
	*queue.MemoryStore
	mu          sync.Mutex
	failJobIDs  map[string]int
	failRepeats bool
	failCancel  bool
	enqueued    map[string]int // queue -> successful non-duplicate one-shot enqueues
}

func newFlakyStore(s *queue.MemoryStore) *flakyStore {
	return &flakyStore{MemoryStore: s, failJobIDs: make(map[string]int), enqueued: make(map[string]int)}
}

func (s *flakyStore) Enqueue(ctx context.Context, q, name string, payload any, opts queue.EnqueueOptions) (queue.Handle, error) {
	s.mu.Lock()
	if opts.Repeat != nil && s.failRepeats {
		s.mu.Unlock()
		return queue.Handle{}, errors.New("redis: connection refused")
	}
	if n := s.failJobIDs[opts.JobID]; n > 0 {
		s.failJobIDs[opts.JobID] = n - 1
		s.mu.Unlock()
		return queue.Handle{}, errors.New("redis: connection refused")
	}
	s.mu.Unlock()

	h, err := s.MemoryStore.Enqueue(ctx, q, name, payload, opts)
	if err == nil && opts.Repeat == nil && !h.Duplicate {
		s.mu.Lock()
		s.enqueued[q]++
		s.mu.Unlock()
	}
	return h, err
}

func (s *flakyStore) CancelRepeating(ctx context.Context, q, key string) (bool, error) {
	if s.failCancel {
		return false, errors.New("redis: connection refused")
	}
	return s.MemoryStore.CancelRepeating(ctx, q, key)
}

func (s *flakyStore) Enqueued(q string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueued[q]
}

type captureRecorder struct {
	mu       sync.Mutex
	failures []queue.TerminalFailure
}

func (r *captureRecorder) RecordFailure(ctx context.Context, f queue.TerminalFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *captureRecorder) Failures() []queue.TerminalFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.TerminalFailure(nil), r.failures...)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *memCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

func (c *memCounter) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FetchInterval = time.Minute
	cfg.StageRetry = retry.Policy{MaxAttempts: 3, Backoff: retry.Exponential(5 * time.Second)}
	return cfg
}

type harness struct {
	clock     *fakeClock
	store     *flakyStore
	mail      *fakeMail
	inference *fakeInference
	recorder  *captureRecorder
	failures  *memCounter
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		clock:     clock,
		store:     newFlakyStore(queue.NewMemoryStore(queue.WithClock(clock.Now))),
		mail:      newFakeMail(),
		inference: newFakeInference(clock),
		recorder:  &captureRecorder{},
		failures:  &memCounter{},
	}
	p, err := New(Options{
		Mail:      h.mail,
		Inference: h.inference,
		Store:     h.store,
		Recorder:  h.recorder,
		Failures:  h.failures,
		Config:    testConfig(),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.pipeline = p
	return h
}

func (h *harness) run(t *testing.T) int {
	t.Helper()
	n, err := h.pipeline.ProcessPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func user(id string) model.User {
	return model.User{ID: id, DisplayName: id, Email: id + "@example.com", Provider: model.ProviderGoogle, AccessToken: "token-" + id}
}

func email(id string) model.Email {
	return model.Email{ID: id, ThreadID: "t-" + id, From: "sender@example.com", To: []string{"me@example.com"}, Subject: "Subject " + id, Body: "Body " + id}
}
