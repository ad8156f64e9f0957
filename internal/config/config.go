// Package config loads reelhouse settings from an optional .env file and
// REELHOUSE_* environment variables. Commands use the loaded values as flag
// defaults, so flags override the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
	"reelhouse/internal/queue"
)

const (
	envPrefix     = "REELHOUSE_"
	minS3PartSize = 5 << 20
)

type Config struct {
	HTTP        HTTPConfig
	Storage     StorageConfig
	ObjectStore ObjectStoreConfig
	Queue       QueueConfig
	Upload      UploadConfig
	Transcode   TranscodeConfig
	Sweeper     SweeperConfig
	Log         LogConfig
}

type HTTPConfig struct {
	Addr           string
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string
	// APIToken and APITokenHash gate /api. The hash is a bcrypt digest and
	// wins when both are set.
	APIToken              string
	APITokenHash          string
	TrustForwardedHeaders bool
	GlobalRPS             float64
	GlobalBurst           int
	InitLimit             int
	InitWindow            time.Duration
	RateRedisAddr         string
	RateRedisPassword     string
	ShutdownTimeout       time.Duration
	WriteTimeout          time.Duration
	// CompleteTimeout is the write deadline of the completion route.
	CompleteTimeout time.Duration
}

type StorageConfig struct {
	// Driver is "json" or "postgres".
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	AcquireTimeout  time.Duration
	AutoMigrate     bool
	// ApplicationName is reported to Postgres; each binary sets its own.
	ApplicationName string
}

type ObjectStoreConfig struct {
	// Driver is "s3" or "memory". The memory driver is served by the API
	// server itself under /storage and only suits development.
	Driver         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	UsePathStyle   bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
	// PublicBaseURL is the externally reachable base of the memory driver's
	// /storage mount.
	PublicBaseURL string
}

type QueueConfig struct {
	// Driver is "memory", "redis" or "sqs".
	Driver            string
	Buffer            int
	RedisAddr         string
	RedisAddrs        []string
	RedisUsername     string
	RedisPassword     string
	RedisStream       string
	RedisGroup        string
	RedisMasterName   string
	RedisPoolSize     int
	RedisTLS          queue.RedisTLSConfig
	SQSQueueURL       string
	SQSRegion         string
	SQSEndpoint       string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	JobTimeout        time.Duration
}

type UploadConfig struct {
	PartSize   int64
	PresignTTL time.Duration
}

type TranscodeConfig struct {
	// Embedded runs transcode consumers inside the API server process.
	Embedded bool
	// OpsAddr is where the standalone transcoder serves /healthz and
	// /metrics. Empty disables the listener.
	OpsAddr           string
	Concurrency       int
	WorkDir           string
	FFmpegPath        string
	FFprobePath       string
	Preset            string
	CRF               int
	AudioBitrate      string
	IsolateRenditions bool
}

type SweeperConfig struct {
	Interval  time.Duration
	Age       time.Duration
	Retention time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// RetryPolicy is the queue redelivery policy the settings describe.
func (c QueueConfig) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		JobTimeout:     c.JobTimeout,
	}
}

// Default returns the settings used when nothing is configured: a JSON
// datastore, the in-process object store and queue, and the server's
// embedded transcoder.
func Default() Config {
	retry := queue.DefaultRetryPolicy()
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			GlobalRPS:       0,
			InitLimit:       30,
			InitWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
			WriteTimeout:    30 * time.Second,
			CompleteTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:         "json",
			DataPath:       "data/reelhouse.json",
			AcquireTimeout: 5 * time.Second,
			AutoMigrate:    true,
		},
		ObjectStore: ObjectStoreConfig{
			Driver:         "memory",
			Region:         "us-east-1",
			RequestTimeout: 30 * time.Second,
			PublicBaseURL:  "http://localhost:8080/storage",
		},
		Queue: QueueConfig{
			Driver:         "memory",
			Buffer:         128,
			RedisStream:    "reelhouse:transcode",
			RedisGroup:     "transcoders",
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			JobTimeout:     retry.JobTimeout,
		},
		Upload: UploadConfig{
			PartSize:   models.DefaultPartSize,
			PresignTTL: ingest.DefaultPresignTTL,
		},
		Transcode: TranscodeConfig{
			Embedded:    true,
			OpsAddr:     ":9090",
			Concurrency: 1,
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Preset:      "veryfast",
			CRF:         21,
		},
		Sweeper: SweeperConfig{
			Interval: 15 * time.Minute,
			Age:      ingest.DefaultSweepAge,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadDotEnv loads the given files, or .env when none are named, into the
// process environment. Missing files are skipped and variables that are
// already set keep their value.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", file, err)
		}
		present = append(present, file)
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads .env and the process environment.
func Load() (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from Default and the REELHOUSE_* variables
// lookup reports.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	e := env{lookup: lookup}

	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.str("TLS_CERT", &cfg.HTTP.TLSCertFile)
	e.str("TLS_KEY", &cfg.HTTP.TLSKeyFile)
	e.list("CORS_ORIGINS", &cfg.HTTP.AllowedOrigins)
	e.str("API_TOKEN", &cfg.HTTP.APIToken)
	e.str("API_TOKEN_HASH", &cfg.HTTP.APITokenHash)
	e.boolean("TRUST_FORWARDED_HEADERS", &cfg.HTTP.TrustForwardedHeaders)
	e.float("RATE_GLOBAL_RPS", &cfg.HTTP.GlobalRPS)
	e.integer("RATE_GLOBAL_BURST", &cfg.HTTP.GlobalBurst)
	e.integer("RATE_INIT_LIMIT", &cfg.HTTP.InitLimit)
	e.duration("RATE_INIT_WINDOW", &cfg.HTTP.InitWindow)
	e.str("RATE_REDIS_ADDR", &cfg.HTTP.RateRedisAddr)
	e.str("RATE_REDIS_PASSWORD", &cfg.HTTP.RateRedisPassword)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_COMPLETE_TIMEOUT", &cfg.HTTP.CompleteTimeout)

	e.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	e.str("DATA", &cfg.Storage.DataPath)
	e.str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	e.integer("POSTGRES_MAX_CONNS", &cfg.Storage.MaxConns)
	e.integer("POSTGRES_MIN_CONNS", &cfg.Storage.MinConns)
	e.duration("POSTGRES_MAX_CONN_LIFETIME", &cfg.Storage.MaxConnLifetime)
	e.duration("POSTGRES_MAX_CONN_IDLE", &cfg.Storage.MaxConnIdle)
	e.duration("POSTGRES_ACQUIRE_TIMEOUT", &cfg.Storage.AcquireTimeout)
	e.boolean("POSTGRES_AUTO_MIGRATE", &cfg.Storage.AutoMigrate)

	e.str("OBJECT_DRIVER", &cfg.ObjectStore.Driver)
	e.str("OBJECT_ENDPOINT", &cfg.ObjectStore.Endpoint)
	e.str("OBJECT_REGION", &cfg.ObjectStore.Region)
	e.str("OBJECT_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	e.str("OBJECT_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	e.str("OBJECT_BUCKET", &cfg.ObjectStore.Bucket)
	e.boolean("OBJECT_USE_SSL", &cfg.ObjectStore.UseSSL)
	e.boolean("OBJECT_PATH_STYLE", &cfg.ObjectStore.UsePathStyle)
	e.str("OBJECT_PREFIX", &cfg.ObjectStore.Prefix)
	e.str("OBJECT_PUBLIC_ENDPOINT", &cfg.ObjectStore.PublicEndpoint)
	e.duration("OBJECT_REQUEST_TIMEOUT", &cfg.ObjectStore.RequestTimeout)
	e.str("OBJECT_PUBLIC_BASE_URL", &cfg.ObjectStore.PublicBaseURL)

	e.str("QUEUE_DRIVER", &cfg.Queue.Driver)
	e.integer("QUEUE_BUFFER", &cfg.Queue.Buffer)
	e.str("QUEUE_REDIS_ADDR", &cfg.Queue.RedisAddr)
	e.list("QUEUE_REDIS_ADDRS", &cfg.Queue.RedisAddrs)
	e.str("QUEUE_REDIS_USERNAME", &cfg.Queue.RedisUsername)
	e.str("QUEUE_REDIS_PASSWORD", &cfg.Queue.RedisPassword)
	e.str("QUEUE_REDIS_STREAM", &cfg.Queue.RedisStream)
	e.str("QUEUE_REDIS_GROUP", &cfg.Queue.RedisGroup)
	e.str("QUEUE_REDIS_SENTINEL_MASTER", &cfg.Queue.RedisMasterName)
	e.integer("QUEUE_REDIS_POOL_SIZE", &cfg.Queue.RedisPoolSize)
	e.str("QUEUE_REDIS_TLS_CA", &cfg.Queue.RedisTLS.CAFile)
	e.str("QUEUE_REDIS_TLS_CERT", &cfg.Queue.RedisTLS.CertFile)
	e.str("QUEUE_REDIS_TLS_KEY", &cfg.Queue.RedisTLS.KeyFile)
	e.str("QUEUE_REDIS_TLS_SERVER_NAME", &cfg.Queue.RedisTLS.ServerName)
	e.boolean("QUEUE_REDIS_TLS_SKIP_VERIFY", &cfg.Queue.RedisTLS.InsecureSkipVerify)
	e.str("QUEUE_SQS_URL", &cfg.Queue.SQSQueueURL)
	e.str("QUEUE_SQS_REGION", &cfg.Queue.SQSRegion)
	e.str("QUEUE_SQS_ENDPOINT", &cfg.Queue.SQSEndpoint)
	e.duration("QUEUE_VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout)
	e.integer("QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	e.duration("QUEUE_INITIAL_BACKOFF", &cfg.Queue.InitialBackoff)
	e.duration("QUEUE_MAX_BACKOFF", &cfg.Queue.MaxBackoff)
	e.duration("QUEUE_JOB_TIMEOUT", &cfg.Queue.JobTimeout)

	e.int64("UPLOAD_PART_SIZE", &cfg.Upload.PartSize)
	e.duration("UPLOAD_PRESIGN_TTL", &cfg.Upload.PresignTTL)

	e.boolean("TRANSCODE_EMBEDDED", &cfg.Transcode.Embedded)
	e.str("TRANSCODER_OPS_ADDR", &cfg.Transcode.OpsAddr)
	e.integer("TRANSCODE_CONCURRENCY", &cfg.Transcode.Concurrency)
	e.str("TRANSCODE_WORKDIR", &cfg.Transcode.WorkDir)
	e.str("FFMPEG_PATH", &cfg.Transcode.FFmpegPath)
	e.str("FFPROBE_PATH", &cfg.Transcode.FFprobePath)
	e.str("TRANSCODE_PRESET", &cfg.Transcode.Preset)
	e.integer("TRANSCODE_CRF", &cfg.Transcode.CRF)
	e.str("TRANSCODE_AUDIO_BITRATE", &cfg.Transcode.AudioBitrate)
	e.boolean("TRANSCODE_ISOLATE_RENDITIONS", &cfg.Transcode.IsolateRenditions)

	e.duration("SWEEP_INTERVAL", &cfg.Sweeper.Interval)
	e.duration("SWEEP_AGE", &cfg.Sweeper.Age)
	e.duration("JOB_RETENTION", &cfg.Sweeper.Retention)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	if e.err != nil {
		return Config{}, e.err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize lower-cases the driver names so flag and environment spellings
// compare equal.
func (c *Config) Normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.ObjectStore.Driver = strings.ToLower(strings.TrimSpace(c.ObjectStore.Driver))
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks the combinations a single variable cannot.
func (c Config) Validate() error {
	var problems []error
	switch c.Storage.Driver {
	case "json":
		if strings.TrimSpace(c.Storage.DataPath) == "" {
			problems = append(problems, errors.New("json storage requires a data path"))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			problems = append(problems, errors.New("postgres storage requires REELHOUSE_POSTGRES_DSN"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	switch c.ObjectStore.Driver {
	case "memory":
	case "s3":
		if strings.TrimSpace(c.ObjectStore.Bucket) == "" {
			problems = append(problems, errors.New("s3 object storage requires a bucket"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported object storage driver %q", c.ObjectStore.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" && len(c.Queue.RedisAddrs) == 0 {
			problems = append(problems, errors.New("redis queue requires an address"))
		}
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			problems = append(problems, errors.New("sqs queue requires a queue url"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported queue driver %q", c.Queue.Driver))
	}
	if c.Upload.PartSize <= 0 {
		problems = append(problems, errors.New("upload part size must be positive"))
	} else if c.ObjectStore.Driver == "s3" && c.Upload.PartSize < minS3PartSize {
		problems = append(problems, fmt.Errorf("upload part size %d is below the s3 minimum of %d bytes", c.Upload.PartSize, minS3PartSize))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		problems = append(problems, errors.New("tls requires both a certificate and a key"))
	}
	return errors.Join(problems...)
}

// env reads prefixed variables and keeps the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) value(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	raw, ok := e.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (e *env) fail(name string, err error) {
	e.err = fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.value(name); ok {
		*dst = v
	}
}

func (e *env) list(name string, dst *[]string) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	*dst = items
}

func (e *env) boolean(name string, dst *bool) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = parsed
}

func (e *env) integer(name string, dst *int) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = parsed
}

func (e *env) int64(name string, dst *int64) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = parsed
}

func (e *env) float(name string, dst *float64) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = parsed
}

func (e *env) duration(name string, dst *time.Duration) {
	v, ok := e.value(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	if parsed < 0 {
		e.fail(name, errors.New("duration must not be negative"))
		return
	}
	*dst = parsed
}
