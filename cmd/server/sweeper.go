package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"reelhouse/internal/ingest"
)

type uploadSweeper interface {
	Sweep(ctx context.Context) (ingest.SweepResult, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// startSweepWorker runs sweeper every interval until ctx ends or the returned
// stop function is called. Stop waits for an in-flight sweep to return.
func startSweepWorker(ctx context.Context, logger *slog.Logger, sweeper uploadSweeper, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper uploadSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				result, err := sweeper.Sweep(workerCtx)
				if err != nil {
					logger.Error("upload sweep failed", "error", err)
					continue
				}
				if result.Aborted > 0 || result.Pruned > 0 {
					logger.Info("upload sweep finished", "aborted_sessions", result.Aborted, "pruned_jobs", result.Pruned)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
