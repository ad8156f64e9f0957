package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"reelhouse/internal/models"
)

var ErrInvalidMedia = errors.New("source is not a decodable video")

// MediaInfo is what the worker needs to know about a source master.
type MediaInfo struct {
	DurationSec float64
	Width       int
	Height      int
	VideoCodec  string
}

type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

// EncodeRequest describes one rendition encode.
type EncodeRequest struct {
	Input     string
	Output    string
	Rendition models.Rendition
}

type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) error
}

// FFprobe probes files with the ffprobe binary.
type FFprobe struct {
	Binary string
}

func (p FFprobe) Probe(ctx context.Context, path string) (MediaInfo, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(output)
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// parseProbeOutput requires a video stream and a positive duration, taken
// from the container or, failing that, the video stream.
func parseProbeOutput(output []byte) (MediaInfo, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(output, &ff); err != nil {
		return MediaInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	var info MediaInfo
	var streamDuration string
	for _, stream := range ff.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.VideoCodec = stream.CodecName
		streamDuration = stream.Duration
		break
	}
	if info.VideoCodec == "" && info.Height == 0 {
		return MediaInfo{}, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}
	for _, raw := range []string{ff.Format.Duration, streamDuration} {
		if dur, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && dur > 0 {
			info.DurationSec = dur
			break
		}
	}
	if info.DurationSec <= 0 {
		return MediaInfo{}, fmt.Errorf("%w: duration unknown", ErrInvalidMedia)
	}
	return info, nil
}

// FFmpeg encodes renditions to H.264/AAC MP4 with a throughput-first preset.
type FFmpeg struct {
	Binary       string
	Preset       string
	CRF          int
	AudioBitrate string
	Logger       *slog.Logger
}

func (e FFmpeg) Args(req EncodeRequest) []string {
	preset := e.Preset
	if preset == "" {
		preset = "veryfast"
	}
	crf := e.CRF
	if crf <= 0 {
		crf = 21
	}
	audio := e.AudioBitrate
	if audio == "" {
		audio = "128k"
	}
	return []string{
		"-y",
		"-i", req.Input,
		"-sn",
		"-vf", fmt.Sprintf("scale=-2:%d", req.Rendition.Height()),
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", audio,
		"-movflags", "+faststart",
		req.Output,
	}
}

func (e FFmpeg) Encode(ctx context.Context, req EncodeRequest) error {
	if req.Rendition.Height() == 0 {
		return fmt.Errorf("unknown rendition %q", req.Rendition)
	}
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stderr := newLogWriter(logger.With("rendition", string(req.Rendition)), "stderr")
	cmd := exec.CommandContext(ctx, binary, e.Args(req)...)
	cmd.Stdout = newLogWriter(logger.With("rendition", string(req.Rendition)), "stdout")
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.Tail())
	}
	return nil
}

const logTailLines = 8

// logWriter forwards subprocess output to the logger line by line and keeps
// the last few lines for error messages.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu   sync.Mutex
	tail []string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		text := string(line)
		w.mu.Lock()
		w.tail = append(w.tail, text)
		if len(w.tail) > logTailLines {
			w.tail = w.tail[len(w.tail)-logTailLines:]
		}
		w.mu.Unlock()
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", text)
	}
	return total, nil
}

func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
