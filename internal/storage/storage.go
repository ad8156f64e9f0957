package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reelhouse/internal/models"
)

type sequences struct {
	Title   int64 `json:"title"`
	Episode int64 `json:"episode"`
}

type dataset struct {
	Titles     map[int64]models.Title         `json:"titles"`
	Episodes   map[int64]models.Episode       `json:"episodes"`
	UploadJobs map[string]models.UploadJob    `json:"uploadJobs"`
	Assets     map[string]models.AssetVersion `json:"assetVersions"`
	Sequences  sequences                      `json:"sequences"`
}

// Storage is the JSON file backed Repository. Every mutation rewrites the
// whole file and restores the previous in-memory state when the write fails.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	var d dataset
	d.init()
	return d
}

// init allocates the maps an older or hand-edited file may be missing.
func (d *dataset) init() {
	if d.Titles == nil {
		d.Titles = make(map[int64]models.Title)
	}
	if d.Episodes == nil {
		d.Episodes = make(map[int64]models.Episode)
	}
	if d.UploadJobs == nil {
		d.UploadJobs = make(map[string]models.UploadJob)
	}
	if d.Assets == nil {
		d.Assets = make(map[string]models.AssetVersion)
	}
}

// NewStorage opens the JSON datastore at path. A missing or empty file
// starts an empty catalog.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	data, err := readDataset(path)
	if err != nil {
		return nil, err
	}
	store.data = data
	return store, nil
}

// NewJSONRepository is NewStorage typed as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func readDataset(path string) (dataset, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(bytes.TrimSpace(raw)) == 0) {
		return newDataset(), nil
	}
	if err != nil {
		return dataset{}, fmt.Errorf("read store file: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return dataset{}, fmt.Errorf("decode store file %s: %w", path, err)
	}
	data.init()
	return data, nil
}

// persist writes s.data with write-then-rename so a crash never leaves a
// truncated file. Callers hold the write lock.
func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), ".reelhouse-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	if err := writeAndSync(tmp, encoded); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write store file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync store file: %w", err)
	}
	return f.Close()
}

// cloneDataset deep-copies the job payloads and asset rows that mutations
// edit in place, so the copy can be restored after a failed persist.
func cloneDataset(src dataset) dataset {
	cloned := dataset{
		Titles:     maps.Clone(src.Titles),
		Episodes:   maps.Clone(src.Episodes),
		UploadJobs: make(map[string]models.UploadJob, len(src.UploadJobs)),
		Assets:     make(map[string]models.AssetVersion, len(src.Assets)),
		Sequences:  src.Sequences,
	}
	for id, job := range src.UploadJobs {
		cloned.UploadJobs[id] = cloneUploadJob(job)
	}
	for key, version := range src.Assets {
		cloned.Assets[key] = cloneAssetVersion(version)
	}
	cloned.init()
	return cloned
}

func (s *Storage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}
