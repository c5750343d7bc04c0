// Package classes implements the tenant scoped class operations behind the
// HTTP API: etag gated single mutations, batch deletion jobs and the events
// both produce.
package classes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"classes-api/internal/jobs"
	"classes-api/internal/models"
	"classes-api/internal/notify"
	"classes-api/internal/storage"
	"golang.org/x/sync/errgroup"
)

// BatchRunner starts batch jobs. *jobs.Executor satisfies it.
type BatchRunner interface {
	Run(ctx context.Context, req jobs.BatchRequest) (string, error)
}

// Config wires the collaborators of a Service.
type Config struct {
	Store    storage.Repository
	Runner   BatchRunner
	Registry jobs.Registry
	Bus      notify.Bus
	Logger   *slog.Logger
	Events   EventRecorder
}

type Service struct {
	store     storage.Repository
	runner    BatchRunner
	registry  jobs.Registry
	bus       notify.Bus
	publisher *Publisher
	logger    *slog.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("class store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("job registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		runner:    cfg.Runner,
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		publisher: NewPublisher(cfg.Bus, logger, cfg.Events),
		logger:    logger,
	}, nil
}

// ListResult is one page of a tenant's classes. Count is the total number of
// classes the tenant owns, not the length of Items.
type ListResult struct {
	Items []models.Class `json:"items"`
	Skip  int            `json:"skip"`
	Count int            `json:"count"`
}

// List returns a page of classes together with the tenant total. Both
// queries run concurrently.
func (s *Service) List(ctx context.Context, tenant string, opts storage.ListOptions) (ListResult, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return ListResult{}, err
	}
	if opts.Skip < 0 || opts.Limit < 0 {
		return ListResult{}, fmt.Errorf("%w: skip and limit must not be negative", ErrBadRequest)
	}

	var (
		items []models.Class
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = s.store.ListClasses(gctx, tenant, opts)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = s.store.CountClasses(gctx, tenant)
		return err
	})
	if err := g.Wait(); err != nil {
		return ListResult{}, fmt.Errorf("list classes: %w", err)
	}
	return ListResult{Items: items, Skip: opts.Skip, Count: count}, nil
}

func (s *Service) Get(ctx context.Context, tenant, id string) (models.Class, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return models.Class{}, err
	}
	return s.store.GetClass(ctx, tenant, id)
}

// Create stores a new class and publishes a create event.
func (s *Service) Create(ctx context.Context, tenant string, doc *Document) (models.Class, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return models.Class{}, err
	}
	if doc == nil {
		return models.Class{}, fmt.Errorf("%w: missing request body", ErrBadRequest)
	}
	class, err := s.store.CreateClass(ctx, tenant, storage.CreateClassParams{
		Name:       doc.Name,
		Attributes: doc.Attributes,
	})
	if err != nil {
		s.publisher.Outcome(ctx, tenant, notify.EventCreate, "", nil, err)
		return models.Class{}, err
	}
	s.publisher.Outcome(ctx, tenant, notify.EventCreate, class.ID, class, nil)
	return class, nil
}

// Replace swaps the class document when etag matches the stored version.
// Requests failing the precondition checks never reach the store.
func (s *Service) Replace(ctx context.Context, tenant, id, etag string, doc *Document) (models.Class, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return models.Class{}, err
	}
	params, err := checkReplace(id, etag, doc)
	if err != nil {
		return models.Class{}, err
	}
	class, err := s.store.ReplaceClass(ctx, tenant, params, etag)
	if err != nil {
		s.publisher.Outcome(ctx, tenant, notify.EventUpdate, id, nil, err)
		return models.Class{}, err
	}
	s.publisher.Outcome(ctx, tenant, notify.EventUpdate, id, class, nil)
	return class, nil
}

// Delete removes the class when etag matches the stored version.
func (s *Service) Delete(ctx context.Context, tenant, id, etag string) error {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return err
	}
	if err := checkDelete(etag); err != nil {
		return err
	}
	err = s.store.DeleteClass(ctx, tenant, id, etag)
	s.publisher.Outcome(ctx, tenant, notify.EventDelete, id, deletedPayload{ID: id}, err)
	return err
}

// SubmitBatchDelete starts a job deleting every id unconditionally and returns
// the job as first recorded. Item failures never surface here; they are
// counted on the job and published as delete events.
func (s *Service) SubmitBatchDelete(ctx context.Context, tenant string, ids []string) (models.Job, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return models.Job{}, err
	}
	if ids == nil {
		return models.Job{}, fmt.Errorf("%w: ids are required", ErrBadRequest)
	}
	items := make([]string, len(ids))
	copy(items, ids)

	id, err := s.runner.Run(ctx, jobs.BatchRequest{
		Tenant: tenant,
		Kind:   models.JobKindClassBatchDelete,
		Items:  items,
		Op: func(ctx context.Context, item string) error {
			return s.store.DeleteClass(ctx, tenant, item, storage.AnyETag)
		},
		Observe: s.publisher.BatchDeleteObserver(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("submit batch delete: %w", err)
	}

	job, err := s.registry.Get(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load submitted job", "tenant", tenant, "job_id", id, "error", err)
		return models.Job{
			ID:       id,
			TenantID: tenant,
			Kind:     models.JobKindClassBatchDelete,
			Status:   models.JobStatusRunning,
			Total:    len(items),
		}, nil
	}
	return job, nil
}

// Job returns the job when it belongs to tenant. Jobs of other tenants are
// reported as not found.
func (s *Service) Job(ctx context.Context, tenant, id string) (models.Job, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return models.Job{}, err
	}
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != tenant {
		return models.Job{}, jobs.ErrJobNotFound
	}
	return job, nil
}

// Subscribe opens a live event stream for tenant.
func (s *Service) Subscribe(tenant string) (notify.Subscription, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	if s.bus == nil {
		return nil, errors.New("event bus is not configured")
	}
	return s.bus.Subscribe(tenant), nil
}

// Ping reports whether the class store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
