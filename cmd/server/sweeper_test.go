package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"reelhouse/internal/ingest"
)

type fakeSweeper struct {
	calls  chan struct{}
	result ingest.SweepResult
	err    error
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{calls: make(chan struct{}, 1)}
}

func (f *fakeSweeper) Sweep(context.Context) (ingest.SweepResult, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.result, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := newFakeSweeper()
	sweeper.result = ingest.SweepResult{Aborted: 2, Pruned: 1}
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	stop := startSweepWorkerWithTicker(ctx, logger, sweeper, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
	if !strings.Contains(logs.String(), "aborted_sessions=2") {
		t.Fatalf("expected sweep result to be logged, got %q", logs.String())
	}
}

func TestSweepWorkerKeepsRunningAfterErrors(t *testing.T) {
	ticker := newManualTicker()
	sweeper := newFakeSweeper()
	sweeper.err = errors.New("list sessions: timeout")
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	stop := startSweepWorkerWithTicker(context.Background(), logger, sweeper, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-sweeper.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep %d to be invoked", i+1)
		}
	}
	stop()
	if !strings.Contains(logs.String(), "upload sweep failed") {
		t.Fatalf("expected sweep failure to be logged, got %q", logs.String())
	}
}

func TestStartSweepWorkerDisabled(t *testing.T) {
	stop := startSweepWorker(context.Background(), nil, newFakeSweeper(), 0)
	stop()
	stop = startSweepWorker(context.Background(), nil, nil, time.Minute)
	stop()
}
