package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"classes-api/internal/models"
	redis "github.com/redis/go-redis/v9"
)

// RedisRegistryConfig configures the shared registry. TerminalTTL expires
// finished jobs; zero keeps them until deleted by hand.
type RedisRegistryConfig struct {
	Client      redis.UniversalClient
	Prefix      string
	TerminalTTL time.Duration
}

// RedisRegistry stores each job as a JSON document under <prefix>:job:<id> so
// any API replica can answer polls.
type RedisRegistry struct {
	client      redis.UniversalClient
	prefix      string
	terminalTTL time.Duration
}

func NewRedisRegistry(cfg RedisRegistryConfig) (*RedisRegistry, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "classes"
	}
	return &RedisRegistry{client: cfg.Client, prefix: prefix, terminalTTL: cfg.TerminalTTL}, nil
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + ":job:" + id
}

func (r *RedisRegistry) Create(ctx context.Context, job models.Job) (string, error) {
	job.ID = newJobID()
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.key(job.ID), payload, 0).Result()
	if err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	if !created {
		return "", fmt.Errorf("job id %s already exists", job.ID)
	}
	return job.ID, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (models.Job, error) {
	return r.load(ctx, r.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRegistry) load(ctx context.Context, client stringGetter, id string) (models.Job, error) {
	payload, err := client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Put writes job inside a WATCH transaction so a finalized record is never
// overwritten.
func (r *RedisRegistry) Put(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	var ttl time.Duration
	if job.Status.Terminal() {
		ttl = r.terminalTTL
	}
	key := r.key(job.ID)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrJobFinalized
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("store job: %w", err)
		}
		return nil
	}, key)
}

var _ Registry = (*RedisRegistry)(nil)
