package transcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reelhouse/internal/queue"
)

type RunnerConfig struct {
	Queue  queue.Queue
	Worker *Worker
	// Concurrency is the number of consumers. Each handles one job at a time.
	Concurrency int
	// RestartDelay is how long a consumer waits after Consume returns an
	// error before subscribing again.
	RestartDelay time.Duration
	Logger       *slog.Logger
}

// Runner feeds jobs from the queue to a Worker until shut down.
type Runner struct {
	queue        queue.Queue
	worker       *Worker
	concurrency  int
	restartDelay time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

const (
	defaultRunnerConcurrency = 1
	defaultRestartDelay      = 2 * time.Second
)

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, errors.New("transcode: queue is required")
	}
	if cfg.Worker == nil {
		return nil, errors.New("transcode: worker is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultRunnerConcurrency
	}
	delay := cfg.RestartDelay
	if delay <= 0 {
		delay = defaultRestartDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		queue:        cfg.Queue,
		worker:       cfg.Worker,
		concurrency:  concurrency,
		restartDelay: delay,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (r *Runner) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.consume(i)
	}
}

// Shutdown stops consuming and waits for in-flight jobs to return or ctx to
// expire. Jobs interrupted by shutdown are redelivered by the queue.
func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) consume(index int) {
	defer r.wg.Done()
	logger := r.logger.With("consumer", index)
	for {
		err := r.queue.Consume(r.ctx, r.worker)
		if r.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			return
		}
		if err == nil {
			// The queue was closed underneath us.
			return
		}
		logger.Error("queue consumer stopped", "error", err, "retry_in", r.restartDelay)
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.restartDelay):
		}
	}
}
