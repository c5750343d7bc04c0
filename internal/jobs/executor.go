package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"classes-api/internal/models"
	"classes-api/internal/observability/logging"
)

const DefaultConcurrency = 4

// ErrExecutorClosed is returned by Run once Shutdown has been called.
var ErrExecutorClosed = errors.New("executor is shutting down")

// Operation processes a single item of a batch.
type Operation func(ctx context.Context, item string) error

// Observer is told about every item outcome; err is nil on success.
type Observer func(ctx context.Context, tenant, item string, err error)

// BatchRequest describes one batch. Items may repeat; each occurrence is
// processed independently.
type BatchRequest struct {
	Tenant  string
	Kind    string
	Items   []string
	Op      Operation
	Observe Observer
}

// Metrics receives job lifecycle signals.
type Metrics interface {
	JobStarted(kind string)
	JobFinished(kind string, status models.JobStatus)
	ItemProcessed(kind string, failed bool)
}

type noopMetrics struct{}

func (noopMetrics) JobStarted(string)                    {}
func (noopMetrics) JobFinished(string, models.JobStatus) {}
func (noopMetrics) ItemProcessed(string, bool)           {}

// ExecutorConfig configures NewExecutor.
type ExecutorConfig struct {
	Registry    Registry
	Concurrency int
	Logger      *slog.Logger
	Metrics     Metrics
	Clock       func() time.Time
}

// Executor runs batches on a fixed pool of at most Concurrency workers per
// batch. Once submitted a batch always runs to completion.
type Executor struct {
	registry    Registry
	concurrency int
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	active atomic.Int64
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("job registry is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		registry:    cfg.Registry,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		now:         now,
	}, nil
}

// Concurrency returns the per-batch worker limit.
func (e *Executor) Concurrency() int {
	return e.concurrency
}

// Active returns the number of batches still running.
func (e *Executor) Active() int {
	return int(e.active.Load())
}

// Run records a running job and starts processing req in the background. The
// job is stored before Run returns, so the returned id is immediately
// pollable. A failure to create the job is returned and nothing runs.
func (e *Executor) Run(ctx context.Context, req BatchRequest) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrExecutorClosed
	}

	now := e.now()
	job := models.Job{
		TenantID:  req.Tenant,
		Kind:      req.Kind,
		Status:    models.JobStatusRunning,
		Total:     len(req.Items),
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := e.registry.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	job.ID = id
	e.metrics.JobStarted(req.Kind)

	t := &tracker{job: job, registry: e.registry, now: e.now}
	// The batch outlives the request that submitted it.
	detached := context.WithoutCancel(ctx)

	if len(req.Items) == 0 {
		final, err := t.finalize(detached, nil)
		e.metrics.JobFinished(req.Kind, final.Status)
		if err != nil {
			return id, fmt.Errorf("finalize empty job: %w", err)
		}
		return id, nil
	}

	e.wg.Add(1)
	e.active.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.active.Add(-1)
		e.drive(detached, t, req)
	}()
	return id, nil
}

func (e *Executor) drive(ctx context.Context, t *tracker, req BatchRequest) {
	logger := logging.WithJob(e.logger, t.job.ID, req.Tenant, req.Kind)
	started := time.Now()

	var fault error
	if req.Op == nil {
		fault = errors.New("batch operation is nil")
	} else {
		fault = e.process(ctx, t, req, logger)
	}
	if fault != nil {
		logger.Error("batch driver fault", "error", fault)
	}

	final, err := t.finalize(ctx, fault)
	if err != nil {
		logger.Error("failed to finalize job", "error", err)
	}
	e.metrics.JobFinished(req.Kind, final.Status)
	logger.Info("batch finished",
		"status", final.Status,
		"total", final.Total,
		"success", final.Success,
		"errors", final.Error,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// process feeds the items to min(concurrency, len(items)) workers. A returned
// error is a driver fault; item failures only show up in the counters.
func (e *Executor) process(ctx context.Context, t *tracker, req BatchRequest, logger *slog.Logger) error {
	workers := e.concurrency
	if len(req.Items) < workers {
		workers = len(req.Items)
	}

	queue := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, item := range req.Items {
			select {
			case queue <- item:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("batch worker crashed: %v", r)
				}
			}()
			for item := range queue {
				itemErr := runItem(ctx, req.Op, item)
				e.metrics.ItemProcessed(req.Kind, itemErr != nil)
				if itemErr != nil {
					logger.Debug("batch item failed", "item", item, "error", itemErr)
				}
				recordErr := t.record(ctx, itemErr)
				e.observe(ctx, req, item, itemErr, logger)
				if recordErr != nil {
					return recordErr
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runItem converts a panicking operation into an item error.
func runItem(ctx context.Context, op Operation, item string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %s panicked: %v", item, r)
		}
	}()
	return op(ctx, item)
}

func (e *Executor) observe(ctx context.Context, req BatchRequest, item string, itemErr error, logger *slog.Logger) {
	if req.Observe == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("batch observer panicked", "item", item, "panic", r)
		}
	}()
	req.Observe(ctx, req.Tenant, item, itemErr)
}

// Shutdown stops accepting batches and waits for running ones to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Wait(ctx)
}

// Wait blocks until every running batch has been finalized.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tracker owns the in-flight copy of one job. Every mutation and the registry
// write that publishes it happen under mu, so stored snapshots never regress.
type tracker struct {
	mu       sync.Mutex
	job      models.Job
	registry Registry
	now      func() time.Time
	final    bool
}

func (t *tracker) record(ctx context.Context, itemErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if itemErr == nil {
		t.job.Success++
	} else {
		t.job.Error++
	}
	t.job.UpdatedAt = t.now()
	if err := t.registry.Put(ctx, t.job); err != nil {
		return fmt.Errorf("record job progress: %w", err)
	}
	return nil
}

const finalizeAttempts = 3

func (t *tracker) finalize(ctx context.Context, fault error) (models.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return t.job, nil
	}
	t.final = true

	now := t.now()
	t.job.UpdatedAt = now
	t.job.CompletedAt = &now
	if fault != nil {
		t.job.Status = models.JobStatusError
		t.job.Fault = fault.Error()
	} else {
		t.job.Status = models.JobStatusComplete
	}

	var err error
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if err = t.registry.Put(ctx, t.job); err == nil || errors.Is(err, ErrJobFinalized) || errors.Is(err, ErrJobNotFound) {
			return t.job, err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return t.job, err
}
