package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := New(Config{
		Name:                "gmail",
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		Now:                 c.now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()
	boom := errors.New("503")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)

	c.t = c.t.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{
		"gmail:closed->open",
		"gmail:open->half_open",
		"gmail:half_open->closed",
	}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{FailureThreshold: 1, Timeout: time.Second, Now: c.now})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("x") })
	require.Equal(t, StateOpen, cb.State())

	c.t = c.t.Add(time.Second)
	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	cb := New(Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	denied := errors.New("401 invalid credentials")
	cb := New(Config{
		FailureThreshold: 2,
		IsIgnored:        func(err error) bool { return errors.Is(err, denied) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return denied }), denied)
	}
	assert.Equal(t, StateClosed, cb.State())

	boom := errors.New("503")
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, cb.State())
}
