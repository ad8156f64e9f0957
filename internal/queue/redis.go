package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reelhouse/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis Streams queue.
type RedisConfig struct {
	Addr     string
	Addrs    []string
	Username string
	Password string
	Stream   string
	Group    string
	// DeadLetterStream receives jobs whose attempts are exhausted. Defaults
	// to Stream + ":dead".
	DeadLetterStream string
	// VisibilityTimeout is how long an entry may stay pending on a consumer
	// before another consumer reclaims it.
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PoolSize          int
	MasterName        string
	TLS               RedisTLSConfig
	Retry             RetryPolicy
	Logger            *slog.Logger
}

const (
	fieldPayload = "payload"
	fieldAttempt = "attempt"
	fieldError   = "error"
)

// Redis is a Queue on a Redis Streams consumer group. Entries are acknowledged
// only after the handler succeeds or the job is dead-lettered, so a crashed
// consumer's entry stays pending until XAUTOCLAIM hands it to another.
type Redis struct {
	client     redis.UniversalClient
	stream     string
	group      string
	deadLetter string
	visibility time.Duration
	block      time.Duration
	policy     RetryPolicy
	logger     *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
	closed     atomic.Bool
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "reelhouse:transcode"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcoders"
	}
	deadLetter := strings.TrimSpace(cfg.DeadLetterStream)
	if deadLetter == "" {
		deadLetter = stream + ":dead"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &Redis{
		client:     client,
		stream:     stream,
		group:      group,
		deadLetter: deadLetter,
		visibility: cfg.VisibilityTimeout,
		block:      cfg.BlockTimeout,
		policy:     cfg.Retry.normalized(),
		logger:     cfg.Logger,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.block <= 0 {
		q.block = 2 * time.Second
	}
	if q.visibility <= 0 {
		q.visibility = q.policy.JobTimeout + 5*time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *Redis) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	return q.add(ctx, q.stream, payload, 1, "")
}

func (q *Redis) add(ctx context.Context, stream string, payload []byte, attempt int, cause string) error {
	values := []interface{}{fieldPayload, string(payload), fieldAttempt, strconv.Itoa(attempt)}
	if cause != "" {
		values = append(values, fieldError, cause)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context, h Handler) error {
	consumer := randomConsumerID()
	for {
		if q.closed.Load() || ctx.Err() != nil {
			return nil
		}
		if err := q.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("redis queue group ensure failed", "error", err)
			_ = sleepContext(ctx, 200*time.Millisecond)
			continue
		}

		messages, err := q.claim(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("redis queue reclaim failed", "error", err)
		}
		if len(messages) == 0 {
			messages, err = q.read(ctx, consumer)
		}
		if err != nil {
			if ctx.Err() != nil || q.closed.Load() {
				return nil
			}
			q.logger.Warn("redis queue read failed", "error", err)
			_ = sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		for _, message := range messages {
			if ctx.Err() != nil {
				return nil
			}
			q.process(ctx, h, message)
		}
	}
}

// claim takes over entries another consumer left pending past the visibility
// timeout.
func (q *Redis) claim(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(messages) > 0 {
		q.logger.Info("reclaimed stale transcode job", "entry_id", messages[0].ID, "consumer", consumer)
	}
	return messages, nil
}

func (q *Redis) read(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (q *Redis) process(ctx context.Context, h Handler, message redis.XMessage) {
	payload := []byte(stringValue(message.Values[fieldPayload]))
	attempt, err := strconv.Atoi(stringValue(message.Values[fieldAttempt]))
	if err != nil || attempt < 1 {
		attempt = 1
	}
	job, err := decodeJob(payload)
	if err != nil {
		q.logger.Error("redis queue dropped undecodable entry", "entry_id", message.ID, "error", err)
		q.deadLetterEntry(ctx, message.ID, payload, attempt, err)
		return
	}

	delivery := Delivery{ID: message.ID, Job: job, Attempt: attempt}
	handleErr := invoke(ctx, h, delivery, q.policy.JobTimeout)
	if handleErr == nil {
		q.ack(ctx, message.ID)
		return
	}
	if q.policy.Exhausted(attempt) {
		q.logger.Error("transcode job exhausted", "entry_id", message.ID, "upload_job_id", job.UploadJobID, "attempt", attempt, "error", handleErr)
		h.Exhausted(ctx, delivery, handleErr)
		q.deadLetterEntry(ctx, message.ID, payload, attempt, handleErr)
		return
	}

	delay := q.policy.Backoff(attempt)
	q.logger.Warn("transcode job failed, retrying", "entry_id", message.ID, "upload_job_id", job.UploadJobID, "attempt", attempt, "retry_in", delay, "error", handleErr)
	if err := sleepContext(ctx, delay); err != nil {
		// Left pending; another consumer reclaims it after the visibility
		// timeout.
		return
	}
	if err := q.add(ctx, q.stream, payload, attempt+1, handleErr.Error()); err != nil {
		q.logger.Warn("redis requeue failed", "entry_id", message.ID, "error", err)
		return
	}
	q.ack(ctx, message.ID)
}

func (q *Redis) deadLetterEntry(ctx context.Context, id string, payload []byte, attempt int, cause error) {
	if err := q.add(ctx, q.deadLetter, payload, attempt, cause.Error()); err != nil {
		q.logger.Warn("redis dead-letter failed", "entry_id", id, "error", err)
	}
	q.ack(ctx, id)
}

func (q *Redis) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("redis ack failed", "entry_id", id, "error", err)
	}
}

func (q *Redis) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
