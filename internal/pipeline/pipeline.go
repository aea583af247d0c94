// Package pipeline turns a "user authenticated" trigger into a recurring three-stage
// workflow per user: fetch unread mail, analyze each email, reply to the high
// priority ones.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"mailtriage/pkg/queue"

	"go.uber.org/zap"
)

type Options struct {
	Mail      MailClient
	Inference InferenceClient
	Store     queue.Store
	// Recorder receives terminal failures; defaults to logging them.
	Recorder queue.FailureRecorder
	// Failures counts consecutive fetch failures per user; optional.
	Failures FailureCounter
	Config   Config
	Logger   *zap.Logger
}

// Pipeline owns the coordinator, the three stage workers and the queue scheduler.
type Pipeline struct {
	coord     *Coordinator
	workers   []*queue.Worker
	scheduler *queue.Scheduler
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

func New(opts Options) (*Pipeline, error) {
	if opts.Mail == nil || opts.Inference == nil || opts.Store == nil {
		return nil, errors.New("pipeline requires mail, inference and store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = queue.NewLogRecorder(opts.Logger)
	}
	cfg := opts.Config
	log := opts.Logger

	coord := NewCoordinator(opts.Store, cfg, log.Named("coordinator"))
	retries := queue.NewRetryManager(opts.Store, opts.Recorder, log.Named("retry"))

	fetch := NewFetchWorker(opts.Mail, coord, opts.Failures, cfg, log.Named("fetch"))
	analysis := NewAnalysisWorker(opts.Inference, coord, log.Named("analysis"))
	response := NewResponseWorker(opts.Inference, opts.Mail, log.Named("response"))

	stage := func(q string, sc StageConfig, proc queue.Processor) *queue.Worker {
		return queue.NewWorker(queue.WorkerConfig{
			Queue:             q,
			Concurrency:       sc.Concurrency,
			PollInterval:      cfg.PollInterval,
			JobTimeout:        cfg.JobTimeout,
			LockRenewInterval: cfg.LockRenewInterval,
		}, opts.Store, proc, retries, log.Named("worker"))
	}

	return &Pipeline{
		coord: coord,
		workers: []*queue.Worker{
			stage(FetchQueue, cfg.Fetch, fetch.Process),
			stage(AnalysisQueue, cfg.Analysis, analysis.Process),
			stage(ResponseQueue, cfg.Response, response.Process),
		},
		scheduler: queue.NewScheduler(opts.Store, []string{FetchQueue, AnalysisQueue, ResponseQueue},
			cfg.MaintainInterval, log.Named("scheduler")),
		logger: log,
	}, nil
}

func (p *Pipeline) Coordinator() *Coordinator {
	return p.coord
}

func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.scheduler.Start(ctx)
	for _, w := range p.workers {
		w.Start(ctx)
	}
	p.logger.Info("Queue workers initialized")
}

// Stop stops scheduling new work and waits for in-flight jobs until ctx is done.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range p.workers {
			wg.Add(1)
			go func(w *queue.Worker) {
				defer wg.Done()
				w.Stop()
			}(w)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pipeline stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Pipeline stop timed out, jobs still in flight")
		return ctx.Err()
	}
}

// ProcessPending runs one maintenance pass and then every ready job until all three
// queues are idle. It returns the number of jobs executed.
func (p *Pipeline) ProcessPending(ctx context.Context) (int, error) {
	p.scheduler.Tick(ctx)

	total := 0
	for {
		ran := 0
		for _, w := range p.workers {
			processed, err := w.ProcessNext(ctx)
			if err != nil {
				return total, err
			}
			if processed {
				ran++
			}
		}
		total += ran
		if ran == 0 {
			return total, nil
		}
	}
}
