package classes

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"classes-api/internal/jobs"
	"classes-api/internal/models"
	"classes-api/internal/notify"
	"classes-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records every call so tests can assert the store was never
// reached. Deletes fail with the error configured for the id.
type fakeStore struct {
	mu        sync.Mutex
	calls     int
	deleteErr map[string]error
	deleted   []string
	replaced  []storage.ReplaceClassParams
	replaceFn func(params storage.ReplaceClassParams, etag string) (models.Class, error)
}

func (f *fakeStore) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) touch() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeStore) Ping(context.Context) error { f.touch(); return nil }

func (f *fakeStore) ListClasses(context.Context, string, storage.ListOptions) ([]models.Class, error) {
	f.touch()
	return nil, nil
}

func (f *fakeStore) CountClasses(context.Context, string) (int, error) {
	f.touch()
	return 0, nil
}

func (f *fakeStore) GetClass(context.Context, string, string) (models.Class, error) {
	f.touch()
	return models.Class{}, storage.ErrNotFound
}

func (f *fakeStore) CreateClass(_ context.Context, tenant string, params storage.CreateClassParams) (models.Class, error) {
	f.touch()
	return models.Class{ID: "c-new", TenantID: tenant, Name: params.Name, ETag: "e1", Revision: 1}, nil
}

func (f *fakeStore) ReplaceClass(_ context.Context, tenant string, params storage.ReplaceClassParams, etag string) (models.Class, error) {
	f.mu.Lock()
	f.calls++
	f.replaced = append(f.replaced, params)
	fn := f.replaceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(params, etag)
	}
	return models.Class{ID: params.ID, TenantID: tenant, Name: params.Name, ETag: "e2", Revision: 2}, nil
}

func (f *fakeStore) DeleteClass(_ context.Context, _ string, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) ObserveEvent(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	key := name + ":ok"
	if err != nil {
		key = name + ":failed"
	}
	r.counts[key]++
}

func (r *countingRecorder) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

type harness struct {
	service  *Service
	store    storage.Repository
	registry *jobs.MemoryRegistry
	bus      notify.Bus
	recorder *countingRecorder
}

func newHarness(t *testing.T, store storage.Repository, concurrency int) harness {
	t.Helper()
	registry := jobs.NewMemoryRegistry(jobs.MemoryRegistryConfig{})
	executor, err := jobs.NewExecutor(jobs.ExecutorConfig{Registry: registry, Concurrency: concurrency})
	require.NoError(t, err)
	bus := notify.NewMemoryBus(64)
	recorder := &countingRecorder{}
	service, err := NewService(Config{
		Store:    store,
		Runner:   executor,
		Registry: registry,
		Bus:      bus,
		Events:   recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
		_ = bus.Close()
	})
	return harness{service: service, store: store, registry: registry, bus: bus, recorder: recorder}
}

func waitForTerminal(t *testing.T, svc *Service, tenant, id string) models.Job {
	t.Helper()
	var (
		mu  sync.Mutex
		job models.Job
	)
	require.Eventually(t, func() bool {
		current, err := svc.Job(context.Background(), tenant, id)
		if err != nil {
			return false
		}
		mu.Lock()
		job = current
		mu.Unlock()
		return current.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return job
}

func collectEvents(t *testing.T, sub notify.Subscription, n int) []notify.Event {
	t.Helper()
	events := make([]notify.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case event, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			events = append(events, event)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(events), n)
		}
	}
	return events
}

func TestMutationsWithoutTokenNeverReachStore(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)
	ctx := context.Background()

	for _, id := range []string{"exists", "missing"} {
		_, err := h.service.Replace(ctx, "acme", id, "", &Document{Name: "n"})
		require.ErrorIs(t, err, ErrMissingPrecondition)

		err = h.service.Delete(ctx, "acme", id, "  ")
		require.ErrorIs(t, err, ErrMissingPrecondition)
	}
	assert.Zero(t, store.called())
}

func TestReplaceIDMismatchIsBadRequest(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)

	_, err := h.service.Replace(context.Background(), "acme", "c1", `"e1"`, &Document{ID: "c2", Name: "n"})
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Zero(t, store.called())
}

func TestReplaceChecksBodyBeforeToken(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)

	_, err := h.service.Replace(context.Background(), "acme", "c1", "", nil)
	require.ErrorIs(t, err, ErrBadRequest)
	require.NotErrorIs(t, err, ErrMissingPrecondition)
	assert.Zero(t, store.called())
}

func TestReplaceForcesPathID(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)
	sub := h.bus.Subscribe("acme")
	defer sub.Close()

	class, err := h.service.Replace(context.Background(), "acme", "c1", "e1", &Document{Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "c1", class.ID)
	require.Len(t, store.replaced, 1)
	assert.Equal(t, "c1", store.replaced[0].ID)

	event := collectEvents(t, sub, 1)[0]
	assert.Equal(t, notify.EventUpdate, event.Name)
	var payload models.Class
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "renamed", payload.Name)
}

func TestReplaceSurfacesStoreErrorsUnchanged(t *testing.T) {
	for _, storeErr := range []error{storage.ErrConflict, storage.ErrNotFound} {
		store := &fakeStore{replaceFn: func(storage.ReplaceClassParams, string) (models.Class, error) {
			return models.Class{}, storeErr
		}}
		h := newHarness(t, store, 2)
		sub := h.bus.Subscribe("acme")

		_, err := h.service.Replace(context.Background(), "acme", "c1", "stale", &Document{Name: "n"})
		require.ErrorIs(t, err, storeErr)

		event := collectEvents(t, sub, 1)[0]
		var failure notify.Failure
		require.NoError(t, json.Unmarshal(event.Payload, &failure))
		assert.Equal(t, notify.Failure{ID: "c1", Error: storeErr.Error()}, failure)
		assert.Equal(t, 1, h.recorder.get("update:ok"))
		sub.Close()
	}
}

func TestCreateRequiresBody(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)

	_, err := h.service.Create(context.Background(), "acme", nil)
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Zero(t, store.called())
}

func TestBatchDeleteIsolatesItemFailures(t *testing.T) {
	store := &fakeStore{deleteErr: map[string]error{"B": storage.ErrNotFound}}
	h := newHarness(t, store, 4)
	sub := h.bus.Subscribe("acme")
	defer sub.Close()

	submitted, err := h.service.SubmitBatchDelete(context.Background(), "acme", []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, 3, submitted.Total)
	assert.Equal(t, models.JobKindClassBatchDelete, submitted.Kind)

	job := waitForTerminal(t, h.service, "acme", submitted.ID)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	assert.Equal(t, 2, job.Success)
	assert.Equal(t, 1, job.Error)
	assert.Empty(t, job.Fault)

	events := collectEvents(t, sub, 3)
	perID := make(map[string]int)
	for _, event := range events {
		assert.Equal(t, notify.EventDelete, event.Name)
		var failure notify.Failure
		require.NoError(t, json.Unmarshal(event.Payload, &failure))
		perID[failure.ID]++
		if failure.ID == "B" {
			assert.Equal(t, storage.ErrNotFound.Error(), failure.Error)
		} else {
			assert.Empty(t, failure.Error)
		}
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, perID)

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatchDeleteAllFailuresStillCompletes(t *testing.T) {
	store := &fakeStore{deleteErr: map[string]error{
		"A": storage.ErrNotFound,
		"B": errors.New("disk on fire"),
	}}
	h := newHarness(t, store, 2)

	submitted, err := h.service.SubmitBatchDelete(context.Background(), "acme", []string{"A", "B"})
	require.NoError(t, err)

	job := waitForTerminal(t, h.service, "acme", submitted.ID)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	assert.Equal(t, 0, job.Success)
	assert.Equal(t, 2, job.Error)
}

func TestBatchDeleteRequiresIDs(t *testing.T) {
	h := newHarness(t, &fakeStore{}, 2)
	_, err := h.service.SubmitBatchDelete(context.Background(), "acme", nil)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestBatchDeleteEmptyListCompletesImmediately(t *testing.T) {
	h := newHarness(t, &fakeStore{}, 2)
	job, err := h.service.SubmitBatchDelete(context.Background(), "acme", []string{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	assert.Zero(t, job.Total)
}

func TestJobIsScopedToTenant(t *testing.T) {
	h := newHarness(t, &fakeStore{}, 2)
	ctx := context.Background()

	submitted, err := h.service.SubmitBatchDelete(ctx, "acme", []string{"A"})
	require.NoError(t, err)
	waitForTerminal(t, h.service, "acme", submitted.ID)

	_, err = h.service.Job(ctx, "globex", submitted.ID)
	require.ErrorIs(t, err, jobs.ErrJobNotFound)

	_, err = h.service.Job(ctx, "acme", "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)

	first, err := h.service.Job(ctx, "acme", submitted.ID)
	require.NoError(t, err)
	second, err := h.service.Job(ctx, "acme", submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestListReturnsPageAndTotal(t *testing.T) {
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "classes.json"), storage.WithClock(steppingClock()))
	require.NoError(t, err)
	h := newHarness(t, store, 2)
	ctx := context.Background()

	for _, name := range []string{"one", "two", "three"} {
		_, err := h.service.Create(ctx, "acme", &Document{Name: name})
		require.NoError(t, err)
	}
	_, err = h.service.Create(ctx, "globex", &Document{Name: "other"})
	require.NoError(t, err)

	result, err := h.service.List(ctx, "acme", storage.ListOptions{Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skip)
	assert.Equal(t, 3, result.Count)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "two", result.Items[0].Name)

	_, err = h.service.List(ctx, "acme", storage.ListOptions{Skip: -1})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestSingleDeleteAgainstStoreHonorsETag(t *testing.T) {
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "classes.json"))
	require.NoError(t, err)
	h := newHarness(t, store, 2)
	ctx := context.Background()

	class, err := h.service.Create(ctx, "acme", &Document{Name: "doomed"})
	require.NoError(t, err)

	require.ErrorIs(t, h.service.Delete(ctx, "acme", class.ID, "stale"), storage.ErrConflict)
	require.NoError(t, h.service.Delete(ctx, "acme", class.ID, class.ETag))
	require.ErrorIs(t, h.service.Delete(ctx, "acme", class.ID, class.ETag), storage.ErrNotFound)
	assert.Equal(t, 1, h.recorder.get("create:ok"))
	assert.Equal(t, 3, h.recorder.get("delete:ok"))
}

func TestInvalidTenantRejectedBeforeStore(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, store, 2)

	_, err := h.service.Get(context.Background(), "bad tenant", "c1")
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = h.service.Subscribe("a:b")
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Zero(t, store.called())
}
