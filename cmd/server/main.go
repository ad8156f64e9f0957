package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reelhouse/internal/api"
	"reelhouse/internal/config"
	"reelhouse/internal/ingest"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/queue"
	"reelhouse/internal/server"
	"reelhouse/internal/serverutil"
	"reelhouse/internal/storage"
	"reelhouse/internal/transcode"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reelhouse:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	bindFlags(flag.CommandLine, &cfg)
	flag.Parse()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "reelhouse-server"})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Storage.ApplicationName = "reelhouse-server"
	store, err := config.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeStore(store, logger)

	gateway, memoryStore, err := config.OpenGateway(ctx, cfg.ObjectStore, logger)
	if err != nil {
		return fmt.Errorf("configure object storage: %w", err)
	}
	var mounts []server.Mount
	if memoryStore != nil {
		logger.Warn("serving in-process object storage; uploads are lost on restart", "base_url", cfg.ObjectStore.PublicBaseURL)
		mounts = append(mounts, server.Mount{Prefix: "/storage", Handler: memoryStore.Handler()})
	}

	jobs, err := config.OpenQueue(ctx, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("configure job queue: %w", err)
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}()

	service, err := ingest.NewService(ingest.ServiceConfig{
		Store:      store,
		Gateway:    gateway,
		Queue:      jobs,
		PartSize:   cfg.Upload.PartSize,
		PresignTTL: cfg.Upload.PresignTTL,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise upload service: %w", err)
	}

	runner, err := startEmbeddedTranscoder(cfg, store, gateway, jobs, logger, recorder)
	if err != nil {
		return err
	}

	sweeper, err := ingest.NewSweeper(ingest.SweeperConfig{
		Store:     store,
		Gateway:   gateway,
		Age:       cfg.Sweeper.Age,
		Retention: cfg.Sweeper.Retention,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise sweeper: %w", err)
	}
	stopSweeper := startSweepWorker(ctx, logging.WithComponent(logger, "sweeper"), sweeper, cfg.Sweeper.Interval)
	defer stopSweeper()

	drain := []serverutil.DrainStep{{Name: "sweeper", Stop: func(context.Context) error {
		stopSweeper()
		return nil
	}}}
	if runner != nil {
		drain = append(drain, serverutil.DrainStep{Name: "transcode-runner", Stop: runner.Shutdown})
	}

	handler := api.NewHandler(service, logging.WithComponent(logger, "api"),
		api.HealthCheck{Component: "datastore", Ping: store.Ping},
		api.HealthCheck{Component: "object_storage", Ping: gateway.Ping},
	)
	// Completion waits on one storage call bounded by the object store's own
	// request timeout.
	completeTimeout := max(cfg.HTTP.CompleteTimeout, cfg.ObjectStore.RequestTimeout+time.Minute)
	srv, err := server.New(handler, server.Config{
		Addr: cfg.HTTP.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.HTTP.GlobalRPS,
			GlobalBurst:   cfg.HTTP.GlobalBurst,
			InitLimit:     cfg.HTTP.InitLimit,
			InitWindow:    cfg.HTTP.InitWindow,
			RedisAddr:     cfg.HTTP.RateRedisAddr,
			RedisPassword: cfg.HTTP.RateRedisPassword,
		},
		CORS:                  server.CORSConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins},
		Auth:                  server.AuthConfig{Token: cfg.HTTP.APIToken, TokenHash: cfg.HTTP.APITokenHash},
		TrustForwardedHeaders: cfg.HTTP.TrustForwardedHeaders,
		Mounts:                mounts,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		CompleteTimeout:       completeTimeout,
		ShutdownTimeout:       cfg.HTTP.ShutdownTimeout,
		Drain:                 drain,
		Logger:                logger,
		AuditLogger:           logging.WithComponent(logger, "audit"),
		Metrics:               recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("reelhouse API starting",
		"addr", cfg.HTTP.Addr,
		"storage_driver", cfg.Storage.Driver,
		"object_driver", cfg.ObjectStore.Driver,
		"queue_driver", cfg.Queue.Driver,
		"embedded_transcoder", runner != nil,
	)
	if err := srv.Run(ctx, nil); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// startEmbeddedTranscoder runs transcode consumers in this process. It is
// required with the memory queue, since no other process can see its jobs.
func startEmbeddedTranscoder(cfg config.Config, store storage.Repository, gateway objectstore.Gateway, jobs queue.Queue, logger *slog.Logger, recorder *metrics.Recorder) (*transcode.Runner, error) {
	if !cfg.Transcode.Embedded {
		if cfg.Queue.Driver == "memory" {
			return nil, errors.New("the memory queue needs the embedded transcoder; enable it or use redis or sqs")
		}
		return nil, nil
	}
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
		return nil, fmt.Errorf("initialise transcode worker: %w", err)
	}
	runner, err := transcode.NewRunner(transcode.RunnerConfig{
		Queue:       jobs,
		Worker:      worker,
		Concurrency: cfg.Transcode.Concurrency,
		Logger:      logging.WithComponent(logger, "transcode-runner"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise transcode runner: %w", err)
	}
	runner.Start()
	return runner, nil
}

func closeStore(store storage.Repository, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}

// bindFlags registers flags whose defaults are the loaded configuration, so
// a flag overrides the environment.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&cfg.HTTP.TLSCertFile, "tls-cert", cfg.HTTP.TLSCertFile, "TLS certificate file")
	fs.StringVar(&cfg.HTTP.TLSKeyFile, "tls-key", cfg.HTTP.TLSKeyFile, "TLS private key file")
	fs.Var(listValue{&cfg.HTTP.AllowedOrigins}, "cors-origins", "comma separated origins allowed to call the API")
	fs.StringVar(&cfg.HTTP.APITokenHash, "api-token-hash", cfg.HTTP.APITokenHash, "bcrypt hash of the API bearer token")
	fs.BoolVar(&cfg.HTTP.TrustForwardedHeaders, "trust-forwarded-headers", cfg.HTTP.TrustForwardedHeaders, "use X-Forwarded-For for client addresses")
	fs.Float64Var(&cfg.HTTP.GlobalRPS, "rate-global-rps", cfg.HTTP.GlobalRPS, "global requests per second (0 disables)")
	fs.IntVar(&cfg.HTTP.GlobalBurst, "rate-global-burst", cfg.HTTP.GlobalBurst, "global burst size")
	fs.IntVar(&cfg.HTTP.InitLimit, "rate-init-limit", cfg.HTTP.InitLimit, "upload sessions a client may open per window (0 disables)")
	fs.DurationVar(&cfg.HTTP.InitWindow, "rate-init-window", cfg.HTTP.InitWindow, "upload session rate window")
	fs.StringVar(&cfg.HTTP.RateRedisAddr, "rate-redis-addr", cfg.HTTP.RateRedisAddr, "Redis address for shared rate limits")

	fs.StringVar(&cfg.Storage.Driver, "storage-driver", cfg.Storage.Driver, "catalog store: json or postgres")
	fs.StringVar(&cfg.Storage.DataPath, "data", cfg.Storage.DataPath, "JSON datastore path")
	fs.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "Postgres connection string")
	fs.IntVar(&cfg.Storage.MaxConns, "postgres-max-conns", cfg.Storage.MaxConns, "Postgres pool size")

	fs.StringVar(&cfg.ObjectStore.Driver, "object-driver", cfg.ObjectStore.Driver, "object storage: s3 or memory")
	fs.StringVar(&cfg.ObjectStore.Endpoint, "object-endpoint", cfg.ObjectStore.Endpoint, "S3-compatible endpoint")
	fs.StringVar(&cfg.ObjectStore.Bucket, "object-bucket", cfg.ObjectStore.Bucket, "S3 bucket")
	fs.StringVar(&cfg.ObjectStore.Region, "object-region", cfg.ObjectStore.Region, "S3 region")
	fs.StringVar(&cfg.ObjectStore.PublicBaseURL, "storage-base-url", cfg.ObjectStore.PublicBaseURL, "public URL of the in-process /storage mount")

	fs.StringVar(&cfg.Queue.Driver, "queue-driver", cfg.Queue.Driver, "job queue: memory, redis or sqs")
	fs.StringVar(&cfg.Queue.RedisAddr, "queue-redis-addr", cfg.Queue.RedisAddr, "Redis address for the job queue")
	fs.StringVar(&cfg.Queue.SQSQueueURL, "queue-sqs-url", cfg.Queue.SQSQueueURL, "SQS queue URL")

	fs.Int64Var(&cfg.Upload.PartSize, "part-size", cfg.Upload.PartSize, "multipart part size in bytes")
	fs.DurationVar(&cfg.Upload.PresignTTL, "presign-ttl", cfg.Upload.PresignTTL, "lifetime of presigned part URLs")

	fs.BoolVar(&cfg.Transcode.Embedded, "transcode", cfg.Transcode.Embedded, "run transcode consumers in this process")
	fs.IntVar(&cfg.Transcode.Concurrency, "transcode-concurrency", cfg.Transcode.Concurrency, "embedded transcode consumers")
	fs.StringVar(&cfg.Transcode.WorkDir, "transcode-workdir", cfg.Transcode.WorkDir, "scratch directory for transcodes")

	fs.DurationVar(&cfg.Sweeper.Interval, "sweep-interval", cfg.Sweeper.Interval, "how often abandoned multipart sessions are swept (0 disables)")
	fs.DurationVar(&cfg.Sweeper.Age, "sweep-age", cfg.Sweeper.Age, "age after which an open multipart session counts as abandoned")
	fs.DurationVar(&cfg.Sweeper.Retention, "job-retention", cfg.Sweeper.Retention, "prune finished jobs older than this (0 keeps all)")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: json or text")
}

// listValue is a comma separated flag.Value over a string slice.
type listValue struct {
	items *[]string
}

func (l listValue) String() string {
	if l.items == nil {
		return ""
	}
	return strings.Join(*l.items, ",")
}

func (l listValue) Set(value string) error {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	*l.items = items
	return nil
}
