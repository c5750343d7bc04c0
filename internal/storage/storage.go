package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"classes-api/internal/models"
)

type dataset struct {
	// Classes is keyed by tenant id, then class id.
	Classes map[string]map[string]models.Class `json:"classes"`
}

// Storage is the JSON file backed Repository. Every mutation is flushed to disk
// before the call returns; a failed flush leaves the in-memory state untouched.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{Classes: make(map[string]map[string]models.Class)}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Classes == nil {
		s.data.Classes = make(map[string]map[string]models.Class)
	}
}

// NewJSONRepository opens the JSON datastore at path behind the Repository
// interface.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json store path required")
	}
	store := &Storage{
		filePath: path,
		now:      collectSettings(opts).clock,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "classes-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing directory is still reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// ListClasses returns the tenant's classes ordered by creation time.
func (s *Storage) ListClasses(ctx context.Context, tenantID string, opts ListOptions) ([]models.Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	s.mu.RLock()
	bucket := s.data.Classes[tenantID]
	classes := make([]models.Class, 0, len(bucket))
	for _, class := range bucket {
		classes = append(classes, class.Clone())
	}
	s.mu.RUnlock()

	sortClasses(classes)
	if opts.Skip >= len(classes) {
		return []models.Class{}, nil
	}
	end := opts.Skip + opts.Limit
	if end > len(classes) {
		end = len(classes)
	}
	return classes[opts.Skip:end], nil
}

func sortClasses(classes []models.Class) {
	sort.Slice(classes, func(i, j int) bool {
		if classes[i].CreatedAt.Equal(classes[j].CreatedAt) {
			return classes[i].ID < classes[j].ID
		}
		return classes[i].CreatedAt.Before(classes[j].CreatedAt)
	})
}

func (s *Storage) CountClasses(ctx context.Context, tenantID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Classes[tenantID]), nil
}

func (s *Storage) GetClass(ctx context.Context, tenantID, id string) (models.Class, error) {
	if err := ctx.Err(); err != nil {
		return models.Class{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	class, ok := s.data.Classes[tenantID][id]
	if !ok {
		return models.Class{}, ErrNotFound
	}
	return class.Clone(), nil
}

func (s *Storage) CreateClass(ctx context.Context, tenantID string, params CreateClassParams) (models.Class, error) {
	if err := ctx.Err(); err != nil {
		return models.Class{}, err
	}
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id, err := newClassID(now)
	if err != nil {
		return models.Class{}, err
	}
	class := models.Class{
		ID:         id,
		TenantID:   tenantID,
		Name:       params.Name,
		Attributes: params.Attributes,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := stampClass(&class); err != nil {
		return models.Class{}, err
	}
	class = class.Clone()

	bucket, ok := s.data.Classes[tenantID]
	if !ok {
		bucket = make(map[string]models.Class)
		s.data.Classes[tenantID] = bucket
	}
	bucket[id] = class
	if err := s.persist(); err != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.data.Classes, tenantID)
		}
		return models.Class{}, err
	}
	return class.Clone(), nil
}

func (s *Storage) ReplaceClass(ctx context.Context, tenantID string, params ReplaceClassParams, etag string) (models.Class, error) {
	if err := ctx.Err(); err != nil {
		return models.Class{}, err
	}
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.data.Classes[tenantID]
	current, ok := bucket[params.ID]
	if !ok {
		return models.Class{}, ErrNotFound
	}
	if !etagMatches(etag, current.ETag) {
		return models.Class{}, ErrConflict
	}

	updated := models.Class{
		ID:         current.ID,
		TenantID:   tenantID,
		Name:       params.Name,
		Attributes: params.Attributes,
		Revision:   current.Revision + 1,
		CreatedAt:  current.CreatedAt,
		UpdatedAt:  s.now(),
	}
	if err := stampClass(&updated); err != nil {
		return models.Class{}, err
	}
	updated = updated.Clone()

	bucket[params.ID] = updated
	if err := s.persist(); err != nil {
		bucket[params.ID] = current
		return models.Class{}, err
	}
	return updated.Clone(), nil
}

func (s *Storage) DeleteClass(ctx context.Context, tenantID, id, etag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.data.Classes[tenantID]
	current, ok := bucket[id]
	if !ok {
		return ErrNotFound
	}
	if !etagMatches(etag, current.ETag) {
		return ErrConflict
	}

	delete(bucket, id)
	if err := s.persist(); err != nil {
		bucket[id] = current
		return err
	}
	if len(bucket) == 0 {
		delete(s.data.Classes, tenantID)
	}
	return nil
}
