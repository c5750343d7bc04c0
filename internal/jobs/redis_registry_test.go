//go:build redis

package jobs

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"classes-api/internal/models"
	"classes-api/internal/redisclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRegistry(t *testing.T, ttl time.Duration) *RedisRegistry {
	t.Helper()
	addr := os.Getenv("CLASSES_TEST_REDIS_ADDR")
	if strings.TrimSpace(addr) == "" {
		t.Skip("CLASSES_TEST_REDIS_ADDR not set")
	}
	client, err := redisclient.New(redisclient.Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	registry, err := NewRedisRegistry(RedisRegistryConfig{
		Client:      client,
		Prefix:      "classes-test-" + time.Now().UTC().Format("150405.000000000"),
		TerminalTTL: ttl,
	})
	require.NoError(t, err)
	return registry
}

func TestRedisRegistryLifecycle(t *testing.T) {
	registry := newTestRedisRegistry(t, 0)
	ctx := context.Background()

	id, err := registry.Create(ctx, runningJob("acme"))
	require.NoError(t, err)

	job, err := registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	job.Success = 2
	require.NoError(t, registry.Put(ctx, job))
	finishJob(t, registry, id, time.Now().UTC())

	job.Success = 5
	assert.ErrorIs(t, registry.Put(ctx, job), ErrJobFinalized)

	_, err = registry.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisRegistryExpiresFinishedJobs(t *testing.T) {
	registry := newTestRedisRegistry(t, time.Second)
	ctx := context.Background()

	id, err := registry.Create(ctx, runningJob("acme"))
	require.NoError(t, err)
	finishJob(t, registry, id, time.Now().UTC())

	assert.Eventually(t, func() bool {
		_, err := registry.Get(ctx, id)
		return err == ErrJobNotFound
	}, 3*time.Second, 50*time.Millisecond)
}

func TestExecutorWithRedisRegistry(t *testing.T) {
	registry := newTestRedisRegistry(t, 0)
	executor := newTestExecutor(t, registry, 3)

	id, err := executor.Run(context.Background(), BatchRequest{
		Tenant: "acme",
		Items:  itemIDs(10),
		Op:     func(context.Context, string) error { return nil },
	})
	require.NoError(t, err)
	job := waitForJob(t, registry, id)
	assert.Equal(t, 10, job.Success)
}
