package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, extra...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func sqliteRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classes.db")
	repo, err := NewSQLiteRepository(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() {
		if closer, ok := repo.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}, nil
}
