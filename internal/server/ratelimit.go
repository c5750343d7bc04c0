package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request throughput. The global bucket applies to every
// request; tenant buckets apply to /api/tenants/{tenant}/... routes. When a
// window store is configured the tenant limit is enforced across replicas as
// TenantLimit requests per TenantWindow instead of an in-process bucket.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	TenantRPS    float64
	TenantBurst  int
	TenantLimit  int
	TenantWindow time.Duration
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	global *rate.Limiter

	tenantRate  rate.Limit
	tenantBurst int
	mu          sync.Mutex
	tenants     map[string]*tenantLimiter
	idleAfter   time.Duration

	store        windowStore
	tenantLimit  int
	tenantWindow time.Duration
	now          func() time.Time
}

// windowStore counts requests per key in fixed windows shared by every
// replica.
type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
}

func newRateLimiter(cfg RateLimitConfig, store windowStore) *rateLimiter {
	rl := &rateLimiter{
		tenants:      make(map[string]*tenantLimiter),
		idleAfter:    10 * time.Minute,
		tenantLimit:  cfg.TenantLimit,
		tenantWindow: cfg.TenantWindow,
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	if cfg.TenantRPS > 0 {
		rl.tenantRate = rate.Limit(cfg.TenantRPS)
		rl.tenantBurst = burstFor(cfg.TenantRPS, cfg.TenantBurst)
	}
	if rl.tenantWindow <= 0 {
		rl.tenantWindow = time.Minute
	}
	if store != nil && rl.tenantLimit > 0 {
		rl.store = store
	}
	return rl
}

func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowTenant reports whether tenant may issue another request. retryAfter is
// a hint for the Retry-After header when the request is refused.
func (r *rateLimiter) AllowTenant(ctx context.Context, tenant string) (bool, time.Duration, error) {
	if r == nil || tenant == "" {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, "tenant:"+tenant, r.tenantLimit, r.tenantWindow)
	}
	if r.tenantRate <= 0 {
		return true, 0, nil
	}

	now := r.now()
	r.mu.Lock()
	entry, ok := r.tenants[tenant]
	if !ok {
		entry = &tenantLimiter{limiter: rate.NewLimiter(r.tenantRate, r.tenantBurst)}
		r.tenants[tenant] = entry
	}
	entry.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second, nil
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	return false, delay, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-r.idleAfter)
	for key, entry := range r.tenants {
		if entry.lastSeen.Before(cutoff) {
			delete(r.tenants, key)
		}
	}
}

// Ping checks the shared window store when one is in use.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}
