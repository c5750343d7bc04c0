package jobs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"classes-api/internal/models"
)

// RetentionPolicy picks terminal jobs to evict. Running jobs are never offered
// to a policy.
type RetentionPolicy interface {
	// Select returns the ids to evict given the total number of stored jobs
	// and the terminal ones among them.
	Select(now time.Time, total int, terminal []models.Job) []string
}

// KeepAll never evicts anything.
type KeepAll struct{}

func (KeepAll) Select(time.Time, int, []models.Job) []string { return nil }

// MaxJobs keeps the registry at or below Limit records by evicting the oldest
// terminal jobs first.
type MaxJobs struct {
	Limit int
}

func (p MaxJobs) Select(_ time.Time, total int, terminal []models.Job) []string {
	if p.Limit <= 0 || total <= p.Limit {
		return nil
	}
	ordered := append([]models.Job(nil), terminal...)
	sort.Slice(ordered, func(i, j int) bool {
		return completedAt(ordered[i]).Before(completedAt(ordered[j]))
	})
	excess := total - p.Limit
	if excess > len(ordered) {
		excess = len(ordered)
	}
	ids := make([]string, 0, excess)
	for _, job := range ordered[:excess] {
		ids = append(ids, job.ID)
	}
	return ids
}

// MaxAge evicts terminal jobs that completed more than Age ago.
type MaxAge struct {
	Age time.Duration
}

func (p MaxAge) Select(now time.Time, _ int, terminal []models.Job) []string {
	if p.Age <= 0 {
		return nil
	}
	cutoff := now.Add(-p.Age)
	var ids []string
	for _, job := range terminal {
		if completedAt(job).Before(cutoff) {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

func completedAt(job models.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.UpdatedAt
}

// ParseRetention maps the configured retention mode onto a policy.
func ParseRetention(mode string, maxJobs int, maxAge time.Duration) (RetentionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none", "keep-all":
		return KeepAll{}, nil
	case "max-jobs":
		if maxJobs <= 0 {
			return nil, fmt.Errorf("max-jobs retention requires a positive job limit")
		}
		return MaxJobs{Limit: maxJobs}, nil
	case "max-age":
		if maxAge <= 0 {
			return nil, fmt.Errorf("max-age retention requires a positive age")
		}
		return MaxAge{Age: maxAge}, nil
	default:
		return nil, fmt.Errorf("unsupported job retention %q", mode)
	}
}
