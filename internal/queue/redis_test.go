package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelhouse/internal/testsupport/redisstub"
)

func newStubQueue(t *testing.T, policy RetryPolicy) (*Redis, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	q, err := NewRedis(RedisConfig{
		Addr:              srv.Addr(),
		Password:          "secret",
		Stream:            "test-transcode",
		Group:             "test-workers",
		BlockTimeout:      50 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             policy,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestRedisQueueAcknowledgesSuccess(t *testing.T) {
	q, srv := newStubQueue(t, fastPolicy(3))

	h := newRecorder(1, func(Delivery) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, testJob("job-ok")))
	go func() { _ = q.Consume(ctx, h) }()

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
	}
	attempts, _ := h.snapshot()
	assert.Equal(t, "job-ok", attempts[0].Job.UploadJobID)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Eventually(t, func() bool { return srv.Pending("test-transcode", "test-workers") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisQueueRetriesThenDeadLetters(t *testing.T) {
	q, srv := newStubQueue(t, fastPolicy(2))

	exhausted := make(chan Delivery, 1)
	h := HandlerFuncs{
		OnHandle: func(context.Context, Delivery) error { return errors.New("ffmpeg exited 1") },
		OnExhausted: func(_ context.Context, d Delivery, _ error) {
			exhausted <- d
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, testJob("job-bad")))
	go func() { _ = q.Consume(ctx, h) }()

	select {
	case d := <-exhausted:
		assert.Equal(t, 2, d.Attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("job not exhausted")
	}
	assert.Eventually(t, func() bool { return srv.Len("test-transcode:dead") == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, srv.Len("test-transcode"))
	assert.Equal(t, "2", srv.Field("test-transcode", 1, "attempt"))
	assert.Equal(t, "ffmpeg exited 1", srv.Field("test-transcode:dead", 0, "error"))
	assert.Eventually(t, func() bool { return srv.Pending("test-transcode", "test-workers") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisQueueReclaimsStaleEntries(t *testing.T) {
	q, srv := newStubQueue(t, fastPolicy(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, testJob("job-stale")))

	// A consumer that reads the entry and dies before acknowledging it.
	messages, err := q.read(ctx, "crashed-consumer")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, 1, srv.Pending("test-transcode", "test-workers"))

	srv.AgePending(2 * time.Minute)

	h := newRecorder(1, func(Delivery) error { return nil })
	go func() { _ = q.Consume(ctx, h) }()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("stale entry not reclaimed")
	}
	attempts, _ := h.snapshot()
	assert.Equal(t, "job-stale", attempts[0].Job.UploadJobID)
	assert.Eventually(t, func() bool { return srv.Pending("test-transcode", "test-workers") == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewRedisRequiresAddr(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}
