package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"classes-api/internal/models"
	"github.com/cespare/xxhash/v2"
)

const defaultRegistryShards = 32

// MemoryRegistryConfig configures the in-process registry.
type MemoryRegistryConfig struct {
	Shards    int
	Retention RetentionPolicy
}

// MemoryRegistry keeps jobs in a fixed set of shards, each guarded by its own
// lock, so unrelated jobs never contend on a single mutex.
type MemoryRegistry struct {
	shards    []*registryShard
	retention RetentionPolicy
	size      atomic.Int64
	sweepMu   sync.Mutex
}

type registryShard struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry(cfg MemoryRegistryConfig) *MemoryRegistry {
	shards := cfg.Shards
	if shards <= 0 {
		shards = defaultRegistryShards
	}
	retention := cfg.Retention
	if retention == nil {
		retention = KeepAll{}
	}
	registry := &MemoryRegistry{
		shards:    make([]*registryShard, shards),
		retention: retention,
	}
	for i := range registry.shards {
		registry.shards[i] = &registryShard{jobs: make(map[string]models.Job)}
	}
	return registry
}

func (r *MemoryRegistry) shard(id string) *registryShard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

func (r *MemoryRegistry) Create(ctx context.Context, job models.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := newJobID()
	job.ID = id
	shard := r.shard(id)
	shard.mu.Lock()
	shard.jobs[id] = job
	shard.mu.Unlock()

	size := r.size.Add(1)
	if limit, ok := r.retention.(MaxJobs); ok && limit.Limit > 0 && size > int64(limit.Limit) {
		_, _ = r.Sweep(ctx, time.Now().UTC())
	}
	return id, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (models.Job, error) {
	if err := ctx.Err(); err != nil {
		return models.Job{}, err
	}
	shard := r.shard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	job, ok := shard.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (r *MemoryRegistry) Put(ctx context.Context, job models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shard := r.shard(job.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	current, ok := shard.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status.Terminal() {
		return ErrJobFinalized
	}
	shard.jobs[job.ID] = job
	return nil
}

// Len returns the number of stored jobs.
func (r *MemoryRegistry) Len() int {
	return int(r.size.Load())
}

// Sweep applies the retention policy and returns how many jobs were evicted.
func (r *MemoryRegistry) Sweep(ctx context.Context, now time.Time) (int, error) {
	if _, keep := r.retention.(KeepAll); keep {
		return 0, nil
	}
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var terminal []models.Job
	for _, shard := range r.shards {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		shard.mu.RLock()
		for _, job := range shard.jobs {
			if job.Status.Terminal() {
				terminal = append(terminal, job)
			}
		}
		shard.mu.RUnlock()
	}

	evicted := 0
	for _, id := range r.retention.Select(now, r.Len(), terminal) {
		shard := r.shard(id)
		shard.mu.Lock()
		if job, ok := shard.jobs[id]; ok && job.Status.Terminal() {
			delete(shard.jobs, id)
			evicted++
		}
		shard.mu.Unlock()
	}
	r.size.Add(int64(-evicted))
	return evicted, nil
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Sweeper  = (*MemoryRegistry)(nil)
)
