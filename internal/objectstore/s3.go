package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Gateway implements Gateway on top of any S3-compatible service.
type S3Gateway struct {
	cfg       Config
	client    *s3.Client
	presigner *s3.PresignClient
	logger    *slog.Logger
}

// NewS3Gateway loads AWS configuration, preferring static credentials when
// provided and falling back to the default credential chain otherwise.
func NewS3Gateway(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.region()),
	}
	if strings.TrimSpace(cfg.AccessKey) != "" && strings.TrimSpace(cfg.SecretKey) != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Gateway{
		cfg:       cfg,
		client:    client,
		presigner: s3.NewPresignClient(client),
		logger:    logger,
	}, nil
}

func endpointURL(cfg Config) string {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(endpoint, "/")
}

func (g *S3Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.requestTimeout())
}

func (g *S3Gateway) key(key string) string {
	return applyPrefix(g.cfg.Prefix, key)
}

func (g *S3Gateway) Ping(ctx context.Context) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", g.cfg.Bucket, err)
	}
	return nil
}

func (g *S3Gateway) BeginMultipart(ctx context.Context, key, contentType string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(g.key(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := g.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", fmt.Errorf("create multipart upload %s: empty upload id", key)
	}
	g.logger.Debug("multipart upload created", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

func (g *S3Gateway) PresignParts(ctx context.Context, key, uploadID string, partNumbers []int, ttl time.Duration) ([]PresignedPart, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	parts := make([]PresignedPart, 0, len(partNumbers))
	for _, number := range partNumbers {
		req, err := g.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(g.cfg.Bucket),
			Key:        aws.String(g.key(key)),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(number)),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return nil, fmt.Errorf("presign part %d of %s: %w", number, key, err)
		}
		parts = append(parts, PresignedPart{PartNumber: number, URL: req.URL, ExpiresAt: expiresAt})
	}
	return parts, nil
}

func (g *S3Gateway) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	completed := make([]types.CompletedPart, len(sorted))
	for i, part := range sorted {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(`"` + normalizeETag(part.ETag) + `"`),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	_, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.cfg.Bucket),
		Key:             aws.String(g.key(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload %s: %w", key, mapS3Error(err))
	}
	return nil
}

func (g *S3Gateway) AbortMultipart(ctx context.Context, key, uploadID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, err := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(g.cfg.Bucket),
		Key:      aws.String(g.key(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		mapped := mapS3Error(err)
		if errors.Is(mapped, ErrNoSuchUpload) {
			return nil
		}
		return fmt.Errorf("abort multipart upload %s: %w", key, mapped)
	}
	return nil
}

func (g *S3Gateway) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	paginator := s3.NewListPartsPaginator(g.client, &s3.ListPartsInput{
		Bucket:   aws.String(g.cfg.Bucket),
		Key:      aws.String(g.key(key)),
		UploadId: aws.String(uploadID),
	})
	parts := make([]Part, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts %s: %w", key, mapS3Error(err))
		}
		for _, part := range page.Parts {
			parts = append(parts, Part{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				ETag:       normalizeETag(aws.ToString(part.ETag)),
				Size:       aws.ToInt64(part.Size),
			})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (g *S3Gateway) ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartSession, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(g.cfg.Bucket),
		Prefix: aws.String(g.key(prefix)),
	}
	sessions := make([]MultipartSession, 0)
	for {
		out, err := g.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list multipart uploads: %w", err)
		}
		for _, upload := range out.Uploads {
			sessions = append(sessions, MultipartSession{
				Key:       stripPrefix(g.cfg.Prefix, aws.ToString(upload.Key)),
				UploadID:  aws.ToString(upload.UploadId),
				Initiated: aws.ToTime(upload.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	return sessions, nil
}

func (g *S3Gateway) Download(ctx context.Context, key, localPath string) error {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.cfg.Bucket),
		Key:    aws.String(g.key(key)),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, mapS3Error(err))
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		_ = file.Close()
		return fmt.Errorf("download object %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close download file: %w", err)
	}
	return nil
}

func (g *S3Gateway) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(g.cfg.Bucket),
		Key:           aws.String(g.key(key)),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return g.ObjectURL(key), nil
}

// ObjectURL prefers the public endpoint, then the configured endpoint in path
// style, then the virtual-hosted AWS address.
func (g *S3Gateway) ObjectURL(key string) string {
	finalKey := g.key(key)
	if public := strings.TrimSpace(g.cfg.PublicEndpoint); public != "" {
		return joinURL(public, finalKey)
	}
	if endpoint := endpointURL(g.cfg); endpoint != "" {
		return joinURL(joinURL(endpoint, url.PathEscape(g.cfg.Bucket)), finalKey)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", g.cfg.Bucket, g.cfg.region(), finalKey)
}

func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload":
			return fmt.Errorf("%w: %s", ErrNoSuchUpload, apiErr.ErrorMessage())
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.ErrorMessage())
		}
	}
	return err
}
