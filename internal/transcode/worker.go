// Package transcode turns a finalized source master into the rendition ladder.
// A Worker handles one TranscodeJob at a time: it downloads the master into a
// scratch directory, probes it, encodes and uploads each requested rendition
// in order and records the results in the catalog store.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/queue"
	"reelhouse/internal/storage"
)

const (
	renditionPrefix    = "renditions/"
	renditionMediaType = "video/mp4"
	cleanupTimeout     = 30 * time.Second
)

type WorkerConfig struct {
	Store   storage.Repository
	Gateway objectstore.Gateway
	Prober  Prober
	Encoder Encoder
	// WorkDir is where per-job scratch directories are created. Defaults to
	// the system temp dir.
	WorkDir string
	// IsolateRenditions keeps encoding the remaining renditions after one
	// fails. The job still ends FAILED.
	IsolateRenditions bool
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

type Worker struct {
	store   storage.Repository
	gateway objectstore.Gateway
	prober  Prober
	encoder Encoder
	workDir string
	isolate bool
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("transcode: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("transcode: object storage gateway is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("transcode: prober is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("transcode: encoder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Worker{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		prober:  cfg.Prober,
		encoder: cfg.Encoder,
		workDir: cfg.WorkDir,
		isolate: cfg.IsolateRenditions,
		logger:  logging.WithComponent(logger, "transcode"),
		metrics: recorder,
	}, nil
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, delivery queue.Delivery) error {
	ctx = logging.ContextWithUploadJobID(ctx, delivery.Job.UploadJobID)
	logger := w.logger.With("upload_job_id", delivery.Job.UploadJobID, "attempt", delivery.Attempt)
	ctx = logging.ContextWithLogger(ctx, logger)
	return w.Process(ctx, delivery.Job)
}

// Exhausted marks the upload job FAILED once the queue gives up on it.
func (w *Worker) Exhausted(ctx context.Context, delivery queue.Delivery, err error) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	jobID := delivery.Job.UploadJobID
	job, getErr := w.store.GetUploadJob(ctx, jobID)
	if getErr != nil {
		w.logger.Error("load exhausted upload job", "upload_job_id", jobID, "error", getErr)
		return
	}
	if job.Status == models.UploadStatusCompleted {
		return
	}
	message := fmt.Sprintf("transcode gave up after %d attempts", delivery.Attempt)
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	if _, failErr := w.store.FailUploadJob(ctx, jobID, message); failErr != nil {
		w.logger.Error("fail exhausted upload job", "upload_job_id", jobID, "error", failErr)
	}
}

// Process runs one transcode job. A nil error acknowledges the job; errors
// are worth another attempt.
func (w *Worker) Process(ctx context.Context, tj models.TranscodeJob) error {
	logger := logging.LoggerFromContext(ctx)
	if logger == nil {
		logger = w.logger.With("upload_job_id", tj.UploadJobID)
	}

	job, err := w.store.GetUploadJob(ctx, tj.UploadJobID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("transcode job references unknown upload, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load upload job: %w", err)
	}
	switch job.Status {
	case models.UploadStatusCompleted:
		logger.Info("upload already completed, acknowledging redelivery")
		return nil
	case models.UploadStatusUploading:
		logger.Warn("upload not finalized, dropping transcode job")
		return nil
	case models.UploadStatusFailed:
		if !job.Payload.Finalized {
			logger.Warn("upload failed before finalizing, dropping transcode job")
			return nil
		}
		job, err = w.store.RetryProcessing(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("retry processing: %w", err)
		}
		logger.Info("retrying failed upload")
	}

	owner := tj.Owner()
	if !owner.Valid() {
		owner = job.Owner()
	}
	key := tj.Key
	if key == "" {
		key = job.Payload.Key
	}
	renditions := tj.Renditions
	if len(renditions) == 0 {
		renditions = job.Payload.Renditions
	}

	w.metrics.TranscodeStarted()
	started := time.Now()
	err = w.run(ctx, logger, job, owner, key, renditions)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	w.metrics.TranscodeFinished(outcome, time.Since(started))

	if errors.Is(err, ErrInvalidMedia) {
		// Another attempt would probe the same bytes.
		return nil
	}
	return err
}

func (w *Worker) run(ctx context.Context, logger *slog.Logger, job models.UploadJob, owner models.AssetOwner, key string, renditions []models.Rendition) error {
	dir, err := os.MkdirTemp(w.workDir, "transcode-"+job.ID+"-")
	if err != nil {
		return w.fail(ctx, job.ID, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("remove work dir", "dir", dir, "error", err)
		}
	}()

	source := filepath.Join(dir, "source"+strings.ToLower(path.Ext(key)))
	if err := w.gateway.Download(ctx, key, source); err != nil {
		return w.fail(ctx, job.ID, fmt.Errorf("download source: %w", err))
	}
	info, err := w.prober.Probe(ctx, source)
	if err != nil {
		return w.fail(ctx, job.ID, fmt.Errorf("probe source: %w", err))
	}
	logger.Info("source probed", "duration_sec", info.DurationSec, "width", info.Width, "height", info.Height, "codec", info.VideoCodec)

	var failures []error
	for _, rendition := range renditions {
		if w.alreadyReady(ctx, owner, rendition, job.ID) {
			logger.Info("rendition already ready, skipping", "rendition", rendition)
			continue
		}
		if err := w.transcodeRendition(ctx, job, owner, rendition, dir, source, info); err != nil {
			w.metrics.RenditionFinished(string(rendition), "failed")
			logger.Error("rendition failed", "rendition", rendition, "error", err)
			if _, markErr := w.store.MarkAssetVersionFailed(ctx, owner, rendition, job.ID); markErr != nil {
				logger.Error("mark asset version failed", "rendition", rendition, "error", markErr)
			}
			failures = append(failures, fmt.Errorf("transcode %s: %w", rendition, err))
			if !w.isolate {
				break
			}
			continue
		}
		w.metrics.RenditionFinished(string(rendition), "ready")
	}
	if len(failures) > 0 {
		return w.fail(ctx, job.ID, errors.Join(failures...))
	}

	if _, err := w.store.CompleteUploadJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete upload job: %w", err)
	}
	logger.Info("transcode completed", "renditions", models.RenditionStrings(renditions))
	return nil
}

func (w *Worker) transcodeRendition(ctx context.Context, job models.UploadJob, owner models.AssetOwner, rendition models.Rendition, dir, source string, info MediaInfo) error {
	output := filepath.Join(dir, string(rendition)+".mp4")
	if err := w.encoder.Encode(ctx, EncodeRequest{Input: source, Output: output, Rendition: rendition}); err != nil {
		return err
	}
	stat, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if stat.Size() == 0 {
		return errors.New("encoder produced an empty file")
	}
	url, err := w.gateway.Upload(ctx, output, RenditionKey(job.ID, rendition), renditionMediaType)
	if err != nil {
		return fmt.Errorf("upload rendition: %w", err)
	}
	_, err = w.store.MarkAssetVersionReady(ctx, storage.AssetReadyParams{
		Owner:       owner,
		Rendition:   rendition,
		UploadJobID: job.ID,
		URL:         url,
		SizeBytes:   stat.Size(),
		DurationSec: info.DurationSec,
	})
	if err != nil {
		return fmt.Errorf("mark asset version ready: %w", err)
	}
	if err := os.Remove(output); err != nil {
		w.logger.Debug("remove rendition output", "path", output, "error", err)
	}
	return nil
}

func (w *Worker) alreadyReady(ctx context.Context, owner models.AssetOwner, rendition models.Rendition, jobID string) bool {
	version, err := w.store.GetAssetVersion(ctx, owner, rendition)
	if err != nil {
		return false
	}
	return version.Status == models.AssetStatusReady && version.UploadJobID == jobID
}

// fail records cause on the upload job and returns it.
func (w *Worker) fail(ctx context.Context, jobID string, cause error) error {
	failCtx, cancel := cleanupContext(ctx)
	defer cancel()
	if _, err := w.store.FailUploadJob(failCtx, jobID, cause.Error()); err != nil {
		w.logger.Error("mark upload job failed", "upload_job_id", jobID, "error", err)
	}
	return cause
}

// RenditionKey is the object key a rendition of an upload is stored under.
func RenditionKey(uploadJobID string, rendition models.Rendition) string {
	return renditionPrefix + uploadJobID + "/" + string(rendition) + ".mp4"
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
