// Package objectstore wraps the object storage operations the ingestion
// pipeline needs: resumable multipart sessions for client uploads and plain
// object transfer for transcode inputs and outputs.
package objectstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxParts is the largest part number S3 accepts in one multipart session.
const MaxParts = 10000

var (
	// ErrNoSuchUpload reports a multipart session that was completed, aborted
	// or never existed.
	ErrNoSuchUpload = errors.New("multipart upload not found")
	ErrNotFound     = errors.New("object not found")
)

type PresignedPart struct {
	PartNumber int       `json:"partNumber"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Part is a part the storage side has confirmed for an open session.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

type MultipartSession struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// Gateway is the object storage capability. Keys are logical; implementations
// apply any configured prefix themselves.
type Gateway interface {
	Ping(ctx context.Context) error
	BeginMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignParts(ctx context.Context, key, uploadID string, partNumbers []int, ttl time.Duration) ([]PresignedPart, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartSession, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	ObjectURL(key string) string
}

// Config mirrors the S3-compatible settings operators provide.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Bucket         string
	UseSSL         bool
	UsePathStyle   bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

func (cfg Config) region() string {
	if region := strings.TrimSpace(cfg.Region); region != "" {
		return region
	}
	return "us-east-1"
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func stripPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func joinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

// normalizeETag strips the quotes S3 wraps around entity tags so values from
// headers and list calls compare equal.
func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// ContentTypeFor guesses a video content type from a file name.
func ContentTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".mp4"), strings.HasSuffix(lower, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(lower, ".mov"):
		return "video/quicktime"
	case strings.HasSuffix(lower, ".mkv"):
		return "video/x-matroska"
	case strings.HasSuffix(lower, ".webm"):
		return "video/webm"
	case strings.HasSuffix(lower, ".ts"):
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
