package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultJanitorSchedule = "@every 1m"

// JanitorConfig configures the periodic retention sweep.
type JanitorConfig struct {
	Sweeper  Sweeper
	Schedule string
	Timeout  time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Janitor runs Sweeper.Sweep on a cron schedule.
type Janitor struct {
	sweeper Sweeper
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	c       *cron.Cron
}

func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("janitor sweeper is required")
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j := &Janitor{
		sweeper: cfg.Sweeper,
		timeout: timeout,
		logger:  logger,
		now:     now,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
	}
	if _, err := j.c.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	evicted, err := j.sweeper.Sweep(ctx, j.now())
	if err != nil {
		j.logger.Warn("job retention sweep failed", "error", err)
		return
	}
	if evicted > 0 {
		j.logger.Info("evicted finished jobs", "count", evicted)
	}
}

func (j *Janitor) Start() {
	j.c.Start()
}

// Stop halts the schedule and waits for a running sweep to return.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
