package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names accepted by Memory.InjectFailure.
const (
	OpBegin    = "begin"
	OpPresign  = "presign"
	OpComplete = "complete"
	OpAbort    = "abort"
	OpDownload = "download"
	OpUpload   = "upload"
)

type memoryObject struct {
	data        []byte
	contentType string
}

type memoryUpload struct {
	key         string
	contentType string
	initiated   time.Time
	parts       map[int][]byte
}

// Memory is an in-process Gateway used for local development and tests.
// Presigned part URLs point at Handler, which must be served under BaseURL for
// real clients to reach it.
type Memory struct {
	mu       sync.Mutex
	baseURL  string
	objects  map[string]memoryObject
	uploads  map[string]*memoryUpload
	failures map[string]error
	now      func() time.Time
}

func NewMemory(baseURL string) *Memory {
	return &Memory{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		objects:  make(map[string]memoryObject),
		uploads:  make(map[string]*memoryUpload),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// SetBaseURL changes the address presigned URLs are issued against.
func (m *Memory) SetBaseURL(baseURL string) {
	m.mu.Lock()
	m.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	m.mu.Unlock()
}

// SetClock replaces the clock stamped on new multipart sessions.
func (m *Memory) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// InjectFailure makes every subsequent call of op fail with err until cleared
// with a nil error.
func (m *Memory) InjectFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) BeginMultipart(_ context.Context, key, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpBegin); err != nil {
		return "", err
	}
	uploadID := uuid.NewString()
	m.uploads[uploadID] = &memoryUpload{
		key:         key,
		contentType: contentType,
		initiated:   m.now().UTC(),
		parts:       make(map[int][]byte),
	}
	return uploadID, nil
}

func (m *Memory) PresignParts(_ context.Context, key, uploadID string, partNumbers []int, ttl time.Duration) ([]PresignedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPresign); err != nil {
		return nil, err
	}
	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, ErrNoSuchUpload
	}
	expiresAt := m.now().UTC().Add(ttl)
	parts := make([]PresignedPart, 0, len(partNumbers))
	for _, number := range partNumbers {
		parts = append(parts, PresignedPart{
			PartNumber: number,
			URL:        fmt.Sprintf("%s/parts/%s/%d?expires=%d", m.baseURL, url.PathEscape(uploadID), number, expiresAt.Unix()),
			ExpiresAt:  expiresAt,
		})
	}
	return parts, nil
}

// PutPart stores one part and returns its quoted ETag, the way S3 answers an
// UploadPart request.
func (m *Memory) PutPart(uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("invalid part number %d", partNumber)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadID]
	if !ok {
		return "", ErrNoSuchUpload
	}
	upload.parts[partNumber] = append([]byte(nil), data...)
	return `"` + etagOf(data) + `"`, nil
}

func (m *Memory) CompleteMultipart(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpComplete); err != nil {
		return err
	}
	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return ErrNoSuchUpload
	}
	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var assembled []byte
	for _, part := range sorted {
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("invalid part %d: not uploaded", part.PartNumber)
		}
		if normalizeETag(part.ETag) != etagOf(data) {
			return fmt.Errorf("invalid part %d: etag mismatch", part.PartNumber)
		}
		assembled = append(assembled, data...)
	}
	m.objects[key] = memoryObject{data: assembled, contentType: upload.contentType}
	delete(m.uploads, uploadID)
	return nil
}

func (m *Memory) AbortMultipart(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpAbort); err != nil {
		return err
	}
	if upload, ok := m.uploads[uploadID]; ok && upload.key == key {
		delete(m.uploads, uploadID)
	}
	return nil
}

func (m *Memory) ListParts(_ context.Context, key, uploadID string) ([]Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, ErrNoSuchUpload
	}
	parts := make([]Part, 0, len(upload.parts))
	for number, data := range upload.parts {
		parts = append(parts, Part{PartNumber: number, ETag: etagOf(data), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (m *Memory) ListMultipartUploads(_ context.Context, prefix string) ([]MultipartSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]MultipartSession, 0, len(m.uploads))
	for uploadID, upload := range m.uploads {
		if !strings.HasPrefix(upload.key, prefix) {
			continue
		}
		sessions = append(sessions, MultipartSession{Key: upload.key, UploadID: uploadID, Initiated: upload.initiated})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Initiated.Before(sessions[j].Initiated) })
	return sessions, nil
}

func (m *Memory) Download(_ context.Context, key, localPath string) error {
	m.mu.Lock()
	if err := m.failure(OpDownload); err != nil {
		m.mu.Unlock()
		return err
	}
	object, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	return os.WriteFile(localPath, object.data, 0o644)
}

func (m *Memory) Upload(_ context.Context, localPath, key, contentType string) (string, error) {
	m.mu.Lock()
	err := m.failure(OpUpload)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read upload file: %w", err)
	}
	m.PutObject(key, data, contentType)
	return m.ObjectURL(key), nil
}

func (m *Memory) ObjectURL(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return joinURL(m.baseURL+"/objects", key)
}

// PutObject stores a whole object directly.
func (m *Memory) PutObject(key string, data []byte, contentType string) {
	m.mu.Lock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	m.mu.Unlock()
}

func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	object, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), object.data...), true
}

// OpenUploads reports how many multipart sessions are still open.
func (m *Memory) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Handler accepts presigned part PUTs at /parts/{uploadID}/{partNumber} and
// serves stored objects at /objects/{key}. Paths are relative to BaseURL, so
// mount it behind http.StripPrefix when BaseURL carries a path.
func (m *Memory) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		switch {
		case strings.HasPrefix(path, "parts/"):
			m.servePart(w, r, strings.TrimPrefix(path, "parts/"))
		case strings.HasPrefix(path, "objects/"):
			m.serveObject(w, r, strings.TrimPrefix(path, "objects/"))
		default:
			http.NotFound(w, r)
		}
	})
}

func (m *Memory) servePart(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uploadID, numberText, ok := strings.Cut(rest, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	number, err := strconv.Atoi(numberText)
	if err != nil {
		http.Error(w, "invalid part number", http.StatusBadRequest)
		return
	}
	if expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64); err == nil {
		if m.now().Unix() > expires {
			http.Error(w, "request has expired", http.StatusForbidden)
			return
		}
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	etag, err := m.PutPart(uploadID, number, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (m *Memory) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.mu.Lock()
	object, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if object.contentType != "" {
		w.Header().Set("Content-Type", object.contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(object.data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(object.data)
	}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
