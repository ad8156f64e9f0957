package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reelhouse"

// Recorder owns a Prometheus registry with the HTTP, upload and transcode
// collectors. Every method is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	uploadInits       *prometheus.CounterVec
	uploadCompletions *prometheus.CounterVec
	progressReports   prometheus.Counter
	transcodeJobs     *prometheus.CounterVec
	transcodeDuration prometheus.Histogram
	renditions        *prometheus.CounterVec
	activeTranscodes  prometheus.Gauge
	partRetries       prometheus.Counter
	partsUploaded     prometheus.Counter
	sweeperAborts     prometheus.Counter
	jobsPruned        prometheus.Counter
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder on a fresh registry that also exports the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		uploadInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_inits_total",
			Help:      "Upload plan requests by outcome.",
		}, []string{"outcome"}),
		uploadCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_completions_total",
			Help:      "Upload completion requests by outcome.",
		}, []string{"outcome"}),
		progressReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_progress_reports_total",
			Help:      "Progress reports accepted from upload clients.",
		}),
		transcodeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Transcode job attempts by outcome.",
		}, []string{"outcome"}),
		transcodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_job_duration_seconds",
			Help:      "Wall time of transcode job attempts.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}),
		renditions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renditions_total",
			Help:      "Rendition encodes by rendition and outcome.",
		}, []string{"rendition", "outcome"}),
		activeTranscodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_active",
			Help:      "Transcode jobs currently being processed.",
		}),
		partRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_part_retries_total",
			Help:      "Part upload retries performed by the upload client.",
		}),
		partsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_parts_total",
			Help:      "Parts uploaded by the upload client.",
		}),
		sweeperAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_aborted_sessions_total",
			Help:      "Orphaned multipart sessions aborted by the sweeper.",
		}),
		jobsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_pruned_jobs_total",
			Help:      "Terminal upload jobs removed after the retention window.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.uploadInits,
		r.uploadCompletions,
		r.progressReports,
		r.transcodeJobs,
		r.transcodeDuration,
		r.renditions,
		r.activeTranscodes,
		r.partRetries,
		r.partsUploaded,
		r.sweeperAborts,
		r.jobsPruned,
	)
	return r
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. Tests use it to isolate counts.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry so binaries can add collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request under its normalized path so ids do
// not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

func (r *Recorder) UploadInitiated(outcome string) {
	r.uploadInits.WithLabelValues(normalizeName(outcome)).Inc()
}

func (r *Recorder) UploadCompleted(outcome string) {
	r.uploadCompletions.WithLabelValues(normalizeName(outcome)).Inc()
}

func (r *Recorder) ProgressReported() {
	r.progressReports.Inc()
}

// TranscodeStarted bumps the active gauge. Pair it with TranscodeFinished.
func (r *Recorder) TranscodeStarted() {
	r.activeTranscodes.Inc()
}

func (r *Recorder) TranscodeFinished(outcome string, duration time.Duration) {
	r.activeTranscodes.Dec()
	r.transcodeJobs.WithLabelValues(normalizeName(outcome)).Inc()
	r.transcodeDuration.Observe(duration.Seconds())
}

func (r *Recorder) RenditionFinished(rendition, outcome string) {
	label := strings.TrimSpace(rendition)
	if label == "" {
		label = "unknown"
	}
	r.renditions.WithLabelValues(label, normalizeName(outcome)).Inc()
}

func (r *Recorder) PartUploaded() {
	r.partsUploaded.Inc()
}

func (r *Recorder) PartRetried() {
	r.partRetries.Inc()
}

func (r *Recorder) SessionsAborted(n int) {
	if n > 0 {
		r.sweeperAborts.Add(float64(n))
	}
}

func (r *Recorder) JobsPruned(n int) {
	if n > 0 {
		r.jobsPruned.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats numeric segments and segments carrying several
// digits (UUIDs, hashes) as ids. Route words such as "progress" stay intact.
func looksLikeIdentifier(segment string) bool {
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount == len(segment) || digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder.
func Handler() http.Handler {
	return Default().Handler()
}
