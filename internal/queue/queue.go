// Package queue carries transcode jobs from upload completion to the transcode
// workers. Delivery is at-least-once: handlers must tolerate seeing the same
// job more than once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reelhouse/internal/models"
)

var (
	ErrClosed       = errors.New("queue closed")
	ErrInvalidJob   = errors.New("invalid transcode job")
	ErrHandlerPanic = errors.New("handler panicked")
)

// Delivery is one attempt at a job. Attempt starts at 1.
type Delivery struct {
	ID      string
	Job     models.TranscodeJob
	Attempt int
}

// Handler processes deliveries. A nil error acknowledges the job. Exhausted
// is called once when the final attempt failed and the job is dropped.
type Handler interface {
	Handle(ctx context.Context, delivery Delivery) error
	Exhausted(ctx context.Context, delivery Delivery, err error)
}

type Queue interface {
	Enqueue(ctx context.Context, job models.TranscodeJob) error
	// Consume blocks, handing deliveries to h one at a time, until ctx is
	// cancelled or the queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// RetryPolicy controls redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JobTimeout     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     time.Minute,
		JobTimeout:     30 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.JobTimeout <= 0 {
		p.JobTimeout = defaults.JobTimeout
	}
	return p
}

// Backoff is the delay before the attempt following the given one. It doubles
// per attempt and is capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// Exhausted reports whether no attempt remains after the given one failed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

func validateJob(job models.TranscodeJob) error {
	if strings.TrimSpace(job.UploadJobID) == "" {
		return fmt.Errorf("%w: upload job id required", ErrInvalidJob)
	}
	if strings.TrimSpace(job.Key) == "" {
		return fmt.Errorf("%w: key required", ErrInvalidJob)
	}
	if len(job.Renditions) == 0 {
		return fmt.Errorf("%w: renditions required", ErrInvalidJob)
	}
	return nil
}

func encodeJob(job models.TranscodeJob) ([]byte, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal transcode job: %w", err)
	}
	return payload, nil
}

func decodeJob(payload []byte) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("decode transcode job: %w", err)
	}
	if err := validateJob(job); err != nil {
		return models.TranscodeJob{}, err
	}
	return job, nil
}

// invoke runs one attempt under the job timeout. A panic in the handler is
// reported as a failed attempt.
func invoke(ctx context.Context, h Handler, delivery Delivery, timeout time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, delivery)
}

// HandlerFuncs adapts plain functions to Handler. OnExhausted may be nil.
type HandlerFuncs struct {
	OnHandle    func(ctx context.Context, delivery Delivery) error
	OnExhausted func(ctx context.Context, delivery Delivery, err error)
}

func (f HandlerFuncs) Handle(ctx context.Context, delivery Delivery) error {
	return f.OnHandle(ctx, delivery)
}

func (f HandlerFuncs) Exhausted(ctx context.Context, delivery Delivery, err error) {
	if f.OnExhausted != nil {
		f.OnExhausted(ctx, delivery, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
