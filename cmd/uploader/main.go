// Command uploader pushes a local video file through the reelhouse upload
// API: it opens a session, uploads the parts in parallel and completes the
// upload. Interrupted uploads are finished with --resume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reelhouse/internal/config"
	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/uploadclient"
)

type options struct {
	apiURL        string
	token         string
	file          string
	kind          string
	titleID       string
	titleName     string
	episodeID     string
	episodeName   string
	season        int
	episode       int
	renditions    string
	contentType   string
	resume        string
	concurrency   int
	maxAttempts   int
	progressEvery time.Duration
	logLevel      string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fatalf("load .env: %v", err)
	}
	var opts options
	flag.StringVar(&opts.apiURL, "api", envOr("REELHOUSE_API_URL", "http://localhost:8080"), "base URL of the reelhouse API")
	flag.StringVar(&opts.token, "token", os.Getenv("REELHOUSE_API_TOKEN"), "API bearer token")
	flag.StringVar(&opts.file, "file", "", "video file to upload")
	flag.StringVar(&opts.kind, "kind", string(models.UploadKindMovie), "MOVIE, SERIES or EPISODE")
	flag.StringVar(&opts.titleID, "title-id", "", "existing title id")
	flag.StringVar(&opts.titleName, "title", "", "title name (a new title is created when no id is given)")
	flag.StringVar(&opts.episodeID, "episode-id", "", "existing episode id")
	flag.StringVar(&opts.episodeName, "episode", "", "episode name")
	flag.IntVar(&opts.season, "season", 0, "season number")
	flag.IntVar(&opts.episode, "episode-number", 0, "episode number")
	flag.StringVar(&opts.renditions, "renditions", "", "comma separated renditions (default all)")
	flag.StringVar(&opts.contentType, "content-type", "", "content type (default from the file extension)")
	flag.StringVar(&opts.resume, "resume", "", "upload job id to resume instead of starting a new upload")
	flag.IntVar(&opts.concurrency, "concurrency", uploadclient.DefaultConcurrency, "parts uploaded in parallel")
	flag.IntVar(&opts.maxAttempts, "max-attempts", uploadclient.DefaultRetryPolicy().MaxAttempts, "attempts per part")
	flag.DurationVar(&opts.progressEvery, "progress-interval", uploadclient.DefaultProgressInterval, "how often progress is reported")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.Parse()

	if strings.TrimSpace(opts.file) == "" {
		fatalf("--file is required")
	}
	req, err := buildInitRequest(opts)
	if err != nil && opts.resume == "" {
		fatalf("%v", err)
	}

	logger := logging.New(logging.Config{Level: opts.logLevel, Format: "text", Writer: os.Stderr})
	api := uploadclient.NewAPIClient(opts.apiURL, opts.token, nil)
	retry := uploadclient.DefaultRetryPolicy()
	retry.MaxAttempts = opts.maxAttempts
	uploader := uploadclient.NewUploader(uploadclient.UploaderConfig{
		Concurrency:      opts.concurrency,
		Retry:            retry,
		Reporter:         api,
		ProgressInterval: opts.progressEvery,
		Logger:           logger,
	})
	client, err := uploadclient.NewClient(api, uploader, logger)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var job models.UploadJob
	if opts.resume != "" {
		job, err = client.Resume(ctx, strings.TrimSpace(opts.resume), opts.file)
	} else {
		job, err = client.Run(ctx, opts.file, req)
	}
	if err != nil {
		var incomplete *uploadclient.IncompleteError
		if errors.As(err, &incomplete) {
			fatalf("%v\nresume with: --resume %s --file %s", err, incomplete.JobID, opts.file)
		}
		var status *uploadclient.StatusError
		if errors.As(err, &status) && status.Code == http.StatusUnauthorized {
			fatalf("%v (check --token or REELHOUSE_API_TOKEN)", err)
		}
		fatalf("%v", err)
	}
	fmt.Printf("upload %s %s\n", job.ID, job.Status)
}

// buildInitRequest validates the catalog flags. File name, size and content
// type are filled in by the client from the file itself.
func buildInitRequest(opts options) (ingest.InitRequest, error) {
	kind := models.UploadKind(strings.ToUpper(strings.TrimSpace(opts.kind)))
	if !kind.Valid() {
		return ingest.InitRequest{}, fmt.Errorf("--kind must be MOVIE, SERIES or EPISODE, got %q", opts.kind)
	}
	req := ingest.InitRequest{
		Kind:          kind,
		TitleName:     strings.TrimSpace(opts.titleName),
		EpisodeName:   strings.TrimSpace(opts.episodeName),
		SeasonNumber:  opts.season,
		EpisodeNumber: opts.episode,
		ContentType:   strings.TrimSpace(opts.contentType),
	}
	var err error
	if req.TitleID, err = parseID("--title-id", opts.titleID); err != nil {
		return ingest.InitRequest{}, err
	}
	if req.EpisodeID, err = parseID("--episode-id", opts.episodeID); err != nil {
		return ingest.InitRequest{}, err
	}
	if req.TitleID == nil && req.TitleName == "" && req.EpisodeID == nil {
		return ingest.InitRequest{}, errors.New("--title or --title-id is required")
	}
	for _, item := range strings.Split(opts.renditions, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			req.Renditions = append(req.Renditions, trimmed)
		}
	}
	if _, err := models.NormalizeRenditions(req.Renditions); err != nil {
		return ingest.InitRequest{}, fmt.Errorf("--renditions: %w", err)
	}
	return req, nil
}

func parseID(name, value string) (*int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer", name)
	}
	return &id, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
