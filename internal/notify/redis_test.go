//go:build redis

package notify

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"classes-api/internal/redisclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) Bus {
	t.Helper()
	addr := os.Getenv("CLASSES_TEST_REDIS_ADDR")
	if strings.TrimSpace(addr) == "" {
		t.Skip("CLASSES_TEST_REDIS_ADDR not set")
	}
	client, err := redisclient.New(redisclient.Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "classes-test-" + time.Now().UTC().Format("150405.000000000")
	bus, err := NewRedisBus(RedisBusConfig{Client: client, Prefix: prefix, BlockTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBusDeliversToTenantSubscribers(t *testing.T) {
	bus := newTestRedisBus(t)
	first := bus.Subscribe("acme")
	second := bus.Subscribe("acme")
	other := bus.Subscribe("globex")

	// let the readers park on XREAD before publishing
	time.Sleep(100 * time.Millisecond)

	event, err := NewEvent("acme", EventCreate, map[string]string{"id": "c1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), event))

	for _, sub := range []Subscription{first, second} {
		got := receive(t, sub)
		assert.Equal(t, EventCreate, got.Name)
		assert.NotEmpty(t, got.ID)
	}

	select {
	case unexpected := <-other.Events():
		t.Fatalf("globex received %+v", unexpected)
	case <-time.After(100 * time.Millisecond):
	}
}
