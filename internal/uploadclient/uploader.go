// Package uploadclient pushes a local file to presigned multipart part URLs
// with a bounded worker pool, reports progress to the API and drives the
// init, upload and complete calls end to end.
package uploadclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
)

const (
	DefaultConcurrency      = 4
	MaxConcurrency          = 10
	DefaultProgressInterval = 5 * time.Second
	defaultPartTimeout      = 10 * time.Minute
)

var ErrPlanMismatch = errors.New("part plan does not match file")

// RetryPolicy bounds how often a single part is attempted.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(defaults.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// ProgressReporter receives the upload high-water mark. Failures are logged
// and never stop the upload.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, bytesUploaded int64, parts []int) error
}

// PartPlan is the set of parts to push for one upload. Completed lists parts
// storage already confirmed, as returned when resuming.
type PartPlan struct {
	JobID     string
	PartSize  int64
	PartCount int
	Presigned []objectstore.PresignedPart
	Completed []objectstore.CompletedPart
}

type UploaderConfig struct {
	HTTPClient       *http.Client
	Concurrency      int
	Retry            RetryPolicy
	Reporter         ProgressReporter
	ProgressInterval time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

type Uploader struct {
	client           *http.Client
	concurrency      int
	retry            RetryPolicy
	reporter         ProgressReporter
	progressInterval time.Duration
	logger           *slog.Logger
	metrics          *metrics.Recorder
}

func NewUploader(cfg UploaderConfig) *Uploader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPartTimeout}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Uploader{
		client:           client,
		concurrency:      concurrency,
		retry:            cfg.Retry.normalized(),
		reporter:         cfg.Reporter,
		progressInterval: interval,
		logger:           logger,
		metrics:          recorder,
	}
}

// Upload pushes every presigned part of the plan and returns the complete,
// ordered part list including parts that were already confirmed. A part that
// exhausts its retries fails the upload; the session stays open for resume.
func (u *Uploader) Upload(ctx context.Context, file io.ReaderAt, size int64, plan PartPlan) ([]objectstore.CompletedPart, error) {
	ranges, err := checkPlan(size, plan)
	if err != nil {
		return nil, err
	}

	progress := newProgress(plan.Completed, ranges)
	reportCtx, stopReports := context.WithCancel(ctx)
	reportsDone := make(chan struct{})
	go func() {
		defer close(reportsDone)
		u.reportLoop(reportCtx, plan.JobID, progress)
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(u.concurrency)
	for _, part := range plan.Presigned {
		part := part
		r := ranges[part.PartNumber-1]
		group.Go(func() error {
			etag, err := u.putPart(groupCtx, part, file, r)
			if err != nil {
				return fmt.Errorf("part %d: %w", part.PartNumber, err)
			}
			progress.add(objectstore.CompletedPart{PartNumber: part.PartNumber, ETag: etag}, r.Size())
			u.metrics.PartUploaded()
			return nil
		})
	}
	uploadErr := group.Wait()

	stopReports()
	<-reportsDone
	u.report(ctx, plan.JobID, progress)

	if uploadErr != nil {
		return nil, uploadErr
	}
	return progress.parts(), nil
}

func (u *Uploader) putPart(ctx context.Context, part objectstore.PresignedPart, file io.ReaderAt, r models.PartRange) (string, error) {
	var etag string
	attempt := 0
	operation := func() error {
		attempt++
		// A fresh reader per attempt; the transport may still hold the last one.
		body := io.NewSectionReader(file, r.Start, r.Size())
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, part.URL, io.NopCloser(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = r.Size()
		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			message, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(message))}
			if !retryableStatus(resp.StatusCode) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		tag := strings.TrimSpace(resp.Header.Get("ETag"))
		if tag == "" {
			return errors.New("storage response carried no ETag")
		}
		etag = tag
		return nil
	}
	notify := func(err error, wait time.Duration) {
		u.metrics.PartRetried()
		u.logger.Warn("part upload failed, retrying", "part", part.PartNumber, "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, u.retry.backOff(ctx), notify); err != nil {
		return "", err
	}
	return etag, nil
}

func (u *Uploader) reportLoop(ctx context.Context, jobID string, progress *progress) {
	if u.reporter == nil {
		return
	}
	ticker := time.NewTicker(u.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.report(ctx, jobID, progress)
		}
	}
}

func (u *Uploader) report(ctx context.Context, jobID string, progress *progress) {
	if u.reporter == nil || jobID == "" {
		return
	}
	bytes, parts, changed := progress.snapshot()
	if !changed {
		return
	}
	if err := u.reporter.ReportProgress(ctx, jobID, bytes, parts); err != nil {
		u.logger.Warn("progress report failed", "upload_job_id", jobID, "bytes_uploaded", bytes, "error", err)
		progress.unmark()
	}
}

// checkPlan verifies the plan covers the file exactly once, counting parts
// already confirmed.
func checkPlan(size int64, plan PartPlan) ([]models.PartRange, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrPlanMismatch)
	}
	if plan.PartSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive", ErrPlanMismatch)
	}
	ranges := models.PartRanges(size, plan.PartSize)
	if plan.PartCount != len(ranges) {
		return nil, fmt.Errorf("%w: %d bytes in %d-byte parts is %d parts, plan has %d", ErrPlanMismatch, size, plan.PartSize, len(ranges), plan.PartCount)
	}
	seen := make(map[int]bool, len(ranges))
	mark := func(number int) error {
		if number < 1 || number > len(ranges) {
			return fmt.Errorf("%w: part %d outside 1..%d", ErrPlanMismatch, number, len(ranges))
		}
		if seen[number] {
			return fmt.Errorf("%w: part %d listed twice", ErrPlanMismatch, number)
		}
		seen[number] = true
		return nil
	}
	for _, part := range plan.Completed {
		if err := mark(part.PartNumber); err != nil {
			return nil, err
		}
	}
	for _, part := range plan.Presigned {
		if err := mark(part.PartNumber); err != nil {
			return nil, err
		}
		if strings.TrimSpace(part.URL) == "" {
			return nil, fmt.Errorf("%w: part %d has no url", ErrPlanMismatch, part.PartNumber)
		}
	}
	if len(seen) != len(ranges) {
		return nil, fmt.Errorf("%w: %d of %d parts planned", ErrPlanMismatch, len(seen), len(ranges))
	}
	return ranges, nil
}

// progress is the shared counter the part workers add to.
type progress struct {
	bytes    atomic.Int64
	reported atomic.Int64

	mu        sync.Mutex
	completed map[int]objectstore.CompletedPart
}

func newProgress(done []objectstore.CompletedPart, ranges []models.PartRange) *progress {
	p := &progress{completed: make(map[int]objectstore.CompletedPart, len(ranges))}
	p.reported.Store(-1)
	var total int64
	for _, part := range done {
		p.completed[part.PartNumber] = part
		total += ranges[part.PartNumber-1].Size()
	}
	p.bytes.Store(total)
	return p
}

func (p *progress) add(part objectstore.CompletedPart, size int64) {
	p.mu.Lock()
	p.completed[part.PartNumber] = part
	p.mu.Unlock()
	p.bytes.Add(size)
}

// snapshot returns the bytes and part numbers to report and whether they
// moved since the last successful report.
func (p *progress) snapshot() (int64, []int, bool) {
	p.mu.Lock()
	numbers := make([]int, 0, len(p.completed))
	for number := range p.completed {
		numbers = append(numbers, number)
	}
	p.mu.Unlock()
	sort.Ints(numbers)
	bytes := p.bytes.Load()
	if p.reported.Swap(bytes) == bytes {
		return bytes, numbers, false
	}
	return bytes, numbers, true
}

func (p *progress) unmark() {
	p.reported.Store(-1)
}

func (p *progress) parts() []objectstore.CompletedPart {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]objectstore.CompletedPart, 0, len(p.completed))
	for _, part := range p.completed {
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// StatusError is a non-2xx answer from storage or the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}
