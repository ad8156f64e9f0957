package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/queue"
	"reelhouse/internal/storage"
)

// OpenStore opens the configured catalog store. Postgres stores are migrated
// first when AutoMigrate is set.
func OpenStore(ctx context.Context, cfg StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "json":
		return storage.NewJSONRepository(cfg.DataPath)
	case "postgres":
		opts := []storage.Option{
			storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout),
			storage.WithPostgresPool(storage.PoolSettings{
				MaxConns:        int32(cfg.MaxConns),
				MinConns:        int32(cfg.MinConns),
				MaxConnLifetime: cfg.MaxConnLifetime,
				MaxConnIdleTime: cfg.MaxConnIdle,
			}),
			storage.WithPostgresApplicationName(cfg.ApplicationName),
		}
		repo, err := storage.NewPostgresRepository(cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := storage.MigrateRepository(ctx, repo); err != nil {
				_ = repo.Close(ctx)
				return nil, fmt.Errorf("migrate catalog: %w", err)
			}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// OpenGateway builds the object storage gateway. For the memory driver the
// returned *objectstore.Memory is non-nil so the caller can serve its
// handler.
func OpenGateway(ctx context.Context, cfg ObjectStoreConfig, logger *slog.Logger) (objectstore.Gateway, *objectstore.Memory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "memory":
		memory := objectstore.NewMemory(cfg.PublicBaseURL)
		return memory, memory, nil
	case "s3":
		gateway, err := objectstore.NewS3Gateway(ctx, objectstore.Config{
			Endpoint:       cfg.Endpoint,
			Region:         cfg.Region,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Bucket:         cfg.Bucket,
			UseSSL:         cfg.UseSSL,
			UsePathStyle:   cfg.UsePathStyle,
			Prefix:         cfg.Prefix,
			PublicEndpoint: cfg.PublicEndpoint,
			RequestTimeout: cfg.RequestTimeout,
		}, logging.WithComponent(logger, "objectstore"))
		if err != nil {
			return nil, nil, err
		}
		return gateway, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported object storage driver %q", cfg.Driver)
	}
}

// OpenQueue connects the configured job queue. The memory queue lives in
// this process only, so producers and consumers must share it.
func OpenQueue(ctx context.Context, cfg QueueConfig, logger *slog.Logger) (queue.Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "queue")
	switch cfg.Driver {
	case "memory":
		return queue.NewMemory(cfg.Buffer, cfg.RetryPolicy(), logger), nil
	case "redis":
		return queue.NewRedis(queue.RedisConfig{
			Addr:              cfg.RedisAddr,
			Addrs:             cfg.RedisAddrs,
			Username:          cfg.RedisUsername,
			Password:          cfg.RedisPassword,
			Stream:            cfg.RedisStream,
			Group:             cfg.RedisGroup,
			VisibilityTimeout: cfg.VisibilityTimeout,
			PoolSize:          cfg.RedisPoolSize,
			MasterName:        cfg.RedisMasterName,
			TLS:               cfg.RedisTLS,
			Retry:             cfg.RetryPolicy(),
			Logger:            logger,
		})
	case "sqs":
		client, err := newSQSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return queue.NewSQS(client, queue.SQSConfig{
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: cfg.VisibilityTimeout,
			Retry:             cfg.RetryPolicy(),
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func newSQSClient(ctx context.Context, cfg QueueConfig) (*sqs.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.SQSRegion); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.SQSEndpoint), "/")
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
