package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"reelhouse/internal/api"
	"reelhouse/internal/config"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/serverutil"
	"reelhouse/internal/transcode"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reelhouse-transcoder:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	fs := flag.CommandLine
	fs.StringVar(&cfg.Transcode.OpsAddr, "ops-addr", cfg.Transcode.OpsAddr, "address for /healthz and /metrics (empty disables)")
	fs.IntVar(&cfg.Transcode.Concurrency, "concurrency", cfg.Transcode.Concurrency, "jobs processed in parallel")
	fs.StringVar(&cfg.Transcode.WorkDir, "workdir", cfg.Transcode.WorkDir, "scratch directory for sources and renditions")
	fs.StringVar(&cfg.Transcode.FFmpegPath, "ffmpeg", cfg.Transcode.FFmpegPath, "ffmpeg binary")
	fs.StringVar(&cfg.Transcode.FFprobePath, "ffprobe", cfg.Transcode.FFprobePath, "ffprobe binary")
	fs.StringVar(&cfg.Transcode.Preset, "preset", cfg.Transcode.Preset, "x264 preset")
	fs.IntVar(&cfg.Transcode.CRF, "crf", cfg.Transcode.CRF, "x264 constant rate factor")
	fs.BoolVar(&cfg.Transcode.IsolateRenditions, "isolate-renditions", cfg.Transcode.IsolateRenditions, "keep encoding other renditions after one fails")
	fs.StringVar(&cfg.Queue.Driver, "queue-driver", cfg.Queue.Driver, "job queue: redis or sqs")
	fs.StringVar(&cfg.Storage.Driver, "storage-driver", cfg.Storage.Driver, "catalog store: json or postgres")
	fs.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "Postgres connection string")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	flag.Parse()
	cfg.Normalize()
	if err := validate(cfg); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "reelhouse-transcoder"})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Storage.ApplicationName = "reelhouse-transcoder"
	store, err := config.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()
	gateway, _, err := config.OpenGateway(ctx, cfg.ObjectStore, logger)
	if err != nil {
		return fmt.Errorf("configure object storage: %w", err)
	}
	jobs, err := config.OpenQueue(ctx, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("configure job queue: %w", err)
	}
	defer jobs.Close()

	worker, err := transcode.NewWorker(transcode.WorkerConfig{
		Store:   store,
		Gateway: gateway,
		Prober:  transcode.FFprobe{Binary: cfg.Transcode.FFprobePath},
		Encoder: transcode.FFmpeg{
			Binary:       cfg.Transcode.FFmpegPath,
			Preset:       cfg.Transcode.Preset,
			CRF:          cfg.Transcode.CRF,
			AudioBitrate: cfg.Transcode.AudioBitrate,
			Logger:       logging.WithComponent(logger, "ffmpeg"),
		},
		WorkDir:           cfg.Transcode.WorkDir,
		IsolateRenditions: cfg.Transcode.IsolateRenditions,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise worker: %w", err)
	}
	runner, err := transcode.NewRunner(transcode.RunnerConfig{
		Queue:       jobs,
		Worker:      worker,
		Concurrency: cfg.Transcode.Concurrency,
		Logger:      logging.WithComponent(logger, "transcode-runner"),
	})
	if err != nil {
		return fmt.Errorf("initialise runner: %w", err)
	}

	logger.Info("transcoder starting",
		"queue_driver", cfg.Queue.Driver,
		"concurrency", cfg.Transcode.Concurrency,
		"isolate_renditions", cfg.Transcode.IsolateRenditions,
	)
	runner.Start()

	opsErr := make(chan error, 1)
	if cfg.Transcode.OpsAddr != "" {
		ops := &http.Server{
			Addr: cfg.Transcode.OpsAddr,
			Handler: newOpsHandler(logger, recorder,
				api.HealthCheck{Component: "datastore", Ping: store.Ping},
				api.HealthCheck{Component: "object_storage", Ping: gateway.Ping},
			),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			opsErr <- serverutil.Run(ctx, serverutil.Config{Server: ops, Logger: logging.WithComponent(logger, "ops")})
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-opsErr:
		if err != nil {
			logger.Error("ops listener failed", "error", err)
		}
	}
	stop()

	// In-flight jobs get the full job timeout; whatever is cut off is
	// redelivered by the queue.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.RetryPolicy().JobTimeout)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("transcoder did not drain in time", "error", err)
	}
	logger.Info("transcoder stopped")
	return nil
}

func validate(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Queue.Driver == "memory" {
		return errors.New("the standalone transcoder needs a shared queue; set REELHOUSE_QUEUE_DRIVER to redis or sqs")
	}
	if cfg.ObjectStore.Driver == "memory" {
		return errors.New("the standalone transcoder needs shared object storage; set REELHOUSE_OBJECT_DRIVER to s3")
	}
	return nil
}

func newOpsHandler(logger *slog.Logger, recorder *metrics.Recorder, checks ...api.HealthCheck) http.Handler {
	health := api.NewHandler(nil, logger, checks...)
	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Health).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	return router
}
