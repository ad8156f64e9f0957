package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelhouse/internal/models"
)

// Memory is an in-process queue for single-binary deployments and tests.
// Failed deliveries are re-posted after the policy backoff.
type Memory struct {
	policy RetryPolicy
	logger *slog.Logger
	ch     chan Delivery
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	enqueueErr error
	timers     map[*time.Timer]struct{}
}

func NewMemory(buffer int, policy RetryPolicy, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		policy: policy.normalized(),
		logger: logger,
		ch:     make(chan Delivery, buffer),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// FailEnqueue makes Enqueue return err until called again with nil.
func (q *Memory) FailEnqueue(err error) {
	q.mu.Lock()
	q.enqueueErr = err
	q.mu.Unlock()
}

func (q *Memory) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	q.mu.Lock()
	closed, failure := q.closed, q.enqueueErr
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if failure != nil {
		return failure
	}
	delivery := Delivery{ID: uuid.NewString(), Job: job, Attempt: 1}
	select {
	case q.ch <- delivery:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case delivery := <-q.ch:
			q.process(ctx, h, delivery)
		}
	}
}

func (q *Memory) process(ctx context.Context, h Handler, delivery Delivery) {
	err := invoke(ctx, h, delivery, q.policy.JobTimeout)
	if err == nil {
		return
	}
	if q.policy.Exhausted(delivery.Attempt) {
		q.logger.Error("transcode job exhausted", "delivery_id", delivery.ID, "upload_job_id", delivery.Job.UploadJobID, "attempt", delivery.Attempt, "error", err)
		h.Exhausted(ctx, delivery, err)
		return
	}
	delay := q.policy.Backoff(delivery.Attempt)
	q.logger.Warn("transcode job failed, retrying", "delivery_id", delivery.ID, "upload_job_id", delivery.Job.UploadJobID, "attempt", delivery.Attempt, "retry_in", delay, "error", err)
	next := delivery
	next.Attempt++
	q.schedule(next, delay)
}

func (q *Memory) schedule(delivery Delivery, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		select {
		case q.ch <- delivery:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
}

// Pending reports deliveries waiting in the buffer or for a retry timer.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.timers)
}

// Close stops consumers and drops deliveries waiting on retry timers.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.done)
	return nil
}
