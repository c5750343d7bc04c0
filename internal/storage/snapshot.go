package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"classes-api/internal/models"
)

// Snapshot is the on-disk layout of the JSON datastore, grouped by tenant then
// class id, so a JSON store file can be replayed into a SQL backend.
type Snapshot struct {
	Classes map[string]map[string]models.Class `json:"classes"`
}

// SnapshotCounts summarises how much data an import will write.
type SnapshotCounts struct {
	Tenants int
	Classes int
}

// LoadSnapshotFromJSON reads a JSON datastore file.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Classes == nil {
		s.Classes = make(map[string]map[string]models.Class)
	}
}

func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	var counts SnapshotCounts
	for _, bucket := range s.Classes {
		if len(bucket) == 0 {
			continue
		}
		counts.Tenants++
		counts.Classes += len(bucket)
	}
	return counts
}

type snapshotImporter interface {
	importSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// ImportSnapshot upserts every class in the snapshot into a SQL backed
// repository, preserving ids, revisions and etags.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	importer, ok := repo.(snapshotImporter)
	if !ok {
		return fmt.Errorf("repository %T does not support snapshot import", repo)
	}
	snapshot.ensureInitialized()
	return importer.importSnapshot(ctx, snapshot)
}

func snapshotClasses(snapshot *Snapshot) []models.Class {
	classes := make([]models.Class, 0)
	for tenantID, bucket := range snapshot.Classes {
		for id, class := range bucket {
			class.TenantID = tenantID
			class.ID = id
			classes = append(classes, class)
		}
	}
	sortClasses(classes)
	return classes
}
