package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs Store.Maintain for a set of queues on a fixed tick, which is what
// turns delayed retries and repeat registrations into runnable jobs.
type Scheduler struct {
	store    Store
	queues   []string
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewScheduler(store Store, queues []string, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:    store,
		queues:   queues,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Tick maintains every queue once.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, q := range s.queues {
		if err := s.store.Maintain(ctx, q); err != nil {
			s.logger.Error("Queue maintenance failed",
				zap.String("queue", q),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
