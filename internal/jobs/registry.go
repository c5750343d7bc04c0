// Package jobs runs batch operations on a bounded worker pool and keeps the
// resulting job records pollable through a Registry.
package jobs

import (
	"context"
	"errors"
	"time"

	"classes-api/internal/models"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrJobNotFound is returned for unknown or evicted job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinalized is returned when writing over a job that already
	// reached a terminal status.
	ErrJobFinalized = errors.New("job already finalized")
)

// Registry stores job records by id. Implementations must allow unrelated
// jobs to be read and written concurrently.
type Registry interface {
	// Create stores job under a freshly allocated id and returns it.
	Create(ctx context.Context, job models.Job) (string, error)
	Get(ctx context.Context, id string) (models.Job, error)
	// Put replaces the stored record. Only the executor that created the
	// job writes it.
	Put(ctx context.Context, job models.Job) error
}

// Sweeper is implemented by registries that evict jobs on demand.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func newJobID() string {
	return ulid.Make().String()
}
